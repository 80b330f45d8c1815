// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"os"

	"go4.org/xdgdir"
	"golang.org/x/term"
)

func cacheDir() string {
	return xdgdir.Cache.Path()
}

func configDir() string {
	return xdgdir.Config.Path()
}

// terminalWidth returns the column count of stdout, or 0 if stdout is not a
// terminal.
func terminalWidth() int {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return 0
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}

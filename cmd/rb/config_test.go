// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestMergeFiles(t *testing.T) {
	dir := t.TempDir()
	userConfig := filepath.Join(dir, "user.json")
	projectConfig := filepath.Join(dir, "project.json")

	// HuJSON: comments and trailing commas are allowed.
	if err := os.WriteFile(userConfig, []byte(`{
		// Keep traces small on this machine.
		"compressTraces": true,
		"commandLength": 100,
	}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(projectConfig, []byte(`{
		"commandLength": 60,
		"combineWrites": false,
	}`), 0o644); err != nil {
		t.Fatal(err)
	}

	g := defaultGlobalConfig()
	err := g.mergeFiles(slices.Values([]string{
		filepath.Join(dir, "missing.json"), // silently skipped
		userConfig,
		projectConfig,
	}))
	if err != nil {
		t.Fatal(err)
	}

	if !g.CompressTraces {
		t.Error("compressTraces not merged from user config")
	}
	if g.CommandLength != 60 {
		t.Errorf("commandLength = %d; want 60 (project overrides user)", g.CommandLength)
	}
	if g.CombineWrites == nil || *g.CombineWrites {
		t.Error("combineWrites not merged from project config")
	}
	if g.CombineReads != nil {
		t.Error("combineReads set without any config mentioning it")
	}
}

func TestMergeFilesRejectsBadSyntax(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"compressTraces": tru`), 0o644); err != nil {
		t.Fatal(err)
	}
	g := defaultGlobalConfig()
	if err := g.mergeFiles(slices.Values([]string{bad})); err == nil {
		t.Error("mergeFiles accepted malformed config")
	}
}

func TestOptionsPrecedence(t *testing.T) {
	g := defaultGlobalConfig()
	no := false
	g.CombineReads = &no
	g.CommandLength = 50

	o := g.options(&buildOptions{noCombineWrites: true, dryRun: true})
	if o.CombineReads {
		t.Error("config combineReads=false not applied")
	}
	if o.CombineWrites {
		t.Error("--no-combine-writes not applied")
	}
	if !o.IgnoreSelfReads {
		t.Error("ignoreSelfReads default lost")
	}
	if !o.DryRun {
		t.Error("--dry-run not applied")
	}
	if o.CommandLength != 50 {
		t.Errorf("commandLength = %d; want 50", o.CommandLength)
	}

	// Flag overrides config.
	o = g.options(&buildOptions{commandLength: 72})
	if o.CommandLength != 72 {
		t.Errorf("commandLength = %d; want 72", o.CommandLength)
	}
}

func TestStatePaths(t *testing.T) {
	g := defaultGlobalConfig()
	g.Dir = "/work/.rb"
	if got := g.tracePath(); got != "/work/.rb/trace" {
		t.Errorf("tracePath = %q", got)
	}
	if got := g.cachePath(); got != "/work/.rb/cache" {
		t.Errorf("cachePath = %q", got)
	}
}

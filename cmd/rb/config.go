// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"

	"rb.256lights.llc/pkg/build"
)

// stateDirName is the per-project directory holding the trace and cache.
const stateDirName = ".rb"

type globalConfig struct {
	Debug          bool   `json:"debug"`
	Dir            string `json:"dir"`
	CacheDB        string `json:"cacheDB"`
	CompressTraces bool   `json:"compressTraces"`

	CombineReads    *bool `json:"combineReads"`
	CombineWrites   *bool `json:"combineWrites"`
	IgnoreSelfReads *bool `json:"ignoreSelfReads"`
	PrintOnRun      bool  `json:"printOnRun"`
	CommandLength   int   `json:"commandLength"`
}

func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		Dir: stateDirName,
	}
	if cd := cacheDir(); cd != "" {
		g.CacheDB = filepath.Join(cd, "rb", "cache.db")
	}
	return g
}

// configFiles yields the configuration files to merge, lowest precedence
// first: the user file, then the project file.
func configFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		if cd := configDir(); cd != "" {
			if !yield(filepath.Join(cd, "rb", "config.json")) {
				return
			}
		}
		yield(filepath.Join(stateDirName, "config.json"))
	}
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (g *globalConfig) mergeEnvironment() {
	if dir := os.Getenv("RB_DIR"); dir != "" {
		g.Dir = dir
	}
	if db := os.Getenv("RB_CACHE_DB"); db != "" {
		g.CacheDB = db
	}
}

// tracePath returns the location of the persisted trace.
func (g *globalConfig) tracePath() string {
	return filepath.Join(g.Dir, "trace")
}

// cachePath returns the root of the content-addressed cache.
func (g *globalConfig) cachePath() string {
	return filepath.Join(g.Dir, "cache")
}

// options converts the configuration plus per-invocation flags into engine
// options.
func (g *globalConfig) options(opts *buildOptions) *build.Options {
	o := build.DefaultOptions()
	applyOptional := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	applyOptional(&o.CombineReads, g.CombineReads)
	applyOptional(&o.CombineWrites, g.CombineWrites)
	applyOptional(&o.IgnoreSelfReads, g.IgnoreSelfReads)
	o.PrintOnRun = g.PrintOnRun
	if g.CommandLength > 0 {
		o.CommandLength = g.CommandLength
	} else if w := terminalWidth(); w > 0 {
		o.CommandLength = w
	}

	if opts != nil {
		if opts.noCombineReads {
			o.CombineReads = false
		}
		if opts.noCombineWrites {
			o.CombineWrites = false
		}
		if opts.noIgnoreSelf {
			o.IgnoreSelfReads = false
		}
		if opts.printOnRun {
			o.PrintOnRun = true
		}
		if opts.dryRun {
			o.DryRun = true
		}
		if opts.commandLength > 0 {
			o.CommandLength = opts.commandLength
		}
	}
	return o
}

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"zombiezen.com/go/log"

	"rb.256lights.llc/pkg/build"
	"rb.256lights.llc/pkg/internal/cas"
	"rb.256lights.llc/pkg/internal/tracer"
	"rb.256lights.llc/pkg/trace"
)

// loadInput loads the prior trace, falling back to the default trace (a full
// build) if there is none or it is unusable.
func loadInput(ctx context.Context, g *globalConfig, buildArgs []string) *trace.Trace {
	input, buildID, err := trace.LoadFile(g.tracePath())
	if err != nil {
		log.Infof(ctx, "no usable trace (%v); running a full build", err)
		return trace.Default(buildArgs)
	}
	log.Debugf(ctx, "loaded trace from build %v (%d steps)", buildID, input.Len())
	return input
}

// plan emulates the input trace and derives the must-rerun set.
func plan(ctx context.Context, store *cas.Store, input *trace.Trace, o *build.Options) (*build.RebuildPlan, *build.RebuildPlanner, error) {
	planner := build.NewRebuildPlanner()
	engine := build.NewEmulator(ctx, build.NewEnv(store), planner, build.Discard{}, o)
	if err := input.SendTo(engine); err != nil {
		return nil, nil, fmt.Errorf("planning rebuild: %w", err)
	}
	return planner.Plan(), planner, nil
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return err
	}
	store, err := cas.Open(g.cachePath(), g.CacheDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	o := g.options(opts)
	input := loadInput(ctx, g, opts.args)

	rebuildPlan, planner, err := plan(ctx, store, input, o)
	if err != nil {
		return err
	}
	log.Debugf(ctx, "%d of %d commands must rerun", rebuildPlan.Len(), len(planner.Order()))

	if o.DryRun {
		printPlan(rebuildPlan, planner, o)
		return nil
	}

	// Execute: emulate what we can, trace what must rerun.
	recorded := new(trace.Trace)
	engine := build.New(ctx, build.NewEnv(store), rebuildPlan, nil, recorded, tracer.New(), o)
	if err := input.SendTo(engine); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	emulated, traced := engine.StepCount()
	log.Debugf(ctx, "build %v: %d steps emulated, %d steps traced", engine.ID(), emulated, traced)

	// Re-read the new trace, adding post-build predicates, and persist it
	// atomically.
	if err := saveTrace(ctx, g, store, engine, recorded, o); err != nil {
		return err
	}

	// Drop cache entries nothing references anymore.
	if _, err := store.GC(ctx, recorded.LiveHashes()); err != nil {
		log.Warnf(ctx, "%v", err)
	}

	if failed := engine.ExitFailures(); len(failed) > 0 {
		for _, c := range failed {
			log.Errorf(ctx, "%s exited with status %d", c.ShortName(o.CommandLength), c.ExitStatus())
		}
		return fmt.Errorf("%d command(s) failed", len(failed))
	}
	return nil
}

// saveTrace writes the recorded trace through the post-build pass to a
// temporary file, then renames it into place so interrupted builds never
// leave a partial trace behind.
func saveTrace(ctx context.Context, g *globalConfig, store *cas.Store, engine *build.Build, recorded *trace.Trace, o *build.Options) error {
	tmpPath := g.tracePath() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("save trace: %v", err)
	}
	defer os.Remove(tmpPath)

	w, err := trace.NewWriter(f, engine.ID(), g.CompressTraces)
	if err != nil {
		f.Close()
		return err
	}
	post := build.NewEmulator(ctx, build.NewEnv(store), nil, build.NewPostBuildChecker(w), o)
	if err := recorded.SendTo(post); err != nil {
		f.Close()
		return fmt.Errorf("save trace: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save trace: %v", err)
	}
	if err := os.Rename(tmpPath, g.tracePath()); err != nil {
		return fmt.Errorf("save trace: %v", err)
	}
	return nil
}

func runCheck(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	store, err := cas.Open(g.cachePath(), g.CacheDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	o := g.options(opts)
	input := loadInput(ctx, g, nil)
	rebuildPlan, planner, err := plan(ctx, store, input, o)
	if err != nil {
		return err
	}
	printPlan(rebuildPlan, planner, o)
	return nil
}

// printPlan prints one line per command that would rerun, with the reason.
func printPlan(p *build.RebuildPlan, planner *build.RebuildPlanner, o *build.Options) {
	if p.Len() == 0 {
		fmt.Println("nothing to rerun")
		return
	}
	for _, c := range planner.Order() {
		if p.MustRerun(c) {
			fmt.Printf("%s (%s)\n", c.ShortName(o.CommandLength), p.Reason(c))
		}
	}
}

func runGC(ctx context.Context, g *globalConfig) error {
	store, err := cas.Open(g.cachePath(), g.CacheDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	input, _, err := trace.LoadFile(g.tracePath())
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	removed, err := store.GC(ctx, input.LiveHashes())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d cached object(s)\n", removed)
	return nil
}

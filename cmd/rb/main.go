// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

// rb is a trace-based incremental build tool: it observes a build at the
// filesystem level, records what every command read and wrote, and on later
// invocations reruns only the commands whose inputs changed.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "rb",
		Short:         "record and replay builds",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFiles()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	g.mergeEnvironment()

	rootCommand.PersistentFlags().StringVar(&g.Dir, "dir", g.Dir, "`path` to the build state directory")
	rootCommand.PersistentFlags().StringVar(&g.CacheDB, "cache-db", g.CacheDB, "`path` to fingerprint database")
	showDebug := rootCommand.PersistentFlags().Bool("debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newCheckCommand(g),
		newGCCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

type buildOptions struct {
	dryRun          bool
	printOnRun      bool
	noCombineReads  bool
	noCombineWrites bool
	noIgnoreSelf    bool
	commandLength   int
	args            []string
}

func addStepFlags(c *cobra.Command, opts *buildOptions) {
	c.Flags().BoolVar(&opts.printOnRun, "print-on-run", false, "print each command as it launches")
	c.Flags().BoolVar(&opts.noCombineReads, "no-combine-reads", false, "record every read, even repeated ones")
	c.Flags().BoolVar(&opts.noCombineWrites, "no-combine-writes", false, "record every write, even repeated ones")
	c.Flags().BoolVar(&opts.noIgnoreSelf, "no-ignore-self-reads", false, "record commands reading their own writes")
	c.Flags().IntVar(&opts.commandLength, "command-length", 0, "column budget for printed `command`s")
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] [COMMAND [ARG [...]]]",
		Short:                 "run the build, rerunning only what changed",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	addStepFlags(c, opts)
	c.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "print what would rerun without launching anything")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.args = args
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func newCheckCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "check [options]",
		Short:                 "report which commands a build would rerun",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	addStepFlags(c, opts)
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context(), g, opts)
	}
	return c
}

func newGCCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "gc",
		Short:                 "remove cached content the trace no longer references",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runGC(cmd.Context(), g)
	}
	return c
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "rb: ", log.StdFlags, nil),
		})
	})
}

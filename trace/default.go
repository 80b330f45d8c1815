// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package trace

import "rb.256lights.llc/pkg/build"

// DefaultBuildFile is the script launched when no usable trace exists.
const DefaultBuildFile = "Buildfile"

// Default synthesizes the trace used when no prior trace is usable: a virtual
// root command that resolves the well-known references and launches the build
// script. The launched command has never executed, so the planner marks it
// never-run and the entire build is traced.
func Default(buildArgs []string) *Trace {
	if len(buildArgs) == 0 {
		buildArgs = []string{"/bin/sh", DefaultBuildFile}
	}

	root := build.NewCommand(nil, map[int]build.FileDescriptor{
		0: {Ref: build.RefStdin},
		1: {Ref: build.RefStdout, Write: true},
		2: {Ref: build.RefStderr, Write: true},
	})
	child := build.NewCommand(buildArgs, map[int]build.FileDescriptor{
		0: {Ref: build.RefStdin},
		1: {Ref: build.RefStdout, Write: true},
		2: {Ref: build.RefStderr, Write: true},
	})

	t := new(Trace)
	t.SpecialRef(root, build.SpecialRoot, build.RefRoot)
	t.SpecialRef(root, build.SpecialCWD, build.RefCWD)
	t.SpecialRef(root, build.SpecialLaunchExe, build.RefExe)
	t.SpecialRef(root, build.SpecialStdin, build.RefStdin)
	t.SpecialRef(root, build.SpecialStdout, build.RefStdout)
	t.SpecialRef(root, build.SpecialStderr, build.RefStderr)
	t.UsingRef(root, build.RefStdin)
	t.UsingRef(root, build.RefStdout)
	t.UsingRef(root, build.RefStderr)
	t.Launch(root, child, []build.RefMapping{
		{Parent: build.RefRoot, Child: build.RefRoot},
		{Parent: build.RefCWD, Child: build.RefCWD},
		{Parent: build.RefExe, Child: build.RefExe},
		{Parent: build.RefStdin, Child: build.RefStdin},
		{Parent: build.RefStdout, Child: build.RefStdout},
		{Parent: build.RefStderr, Child: build.RefStderr},
	})
	t.Join(root, child, 0)
	t.Exit(root, 0)
	return t
}

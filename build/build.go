// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"rb.256lights.llc/pkg/sets"
)

// A Process is an opaque handle to a command running under the tracer.
type Process interface {
	// Signal delivers a signal to the traced process group.
	Signal(sig os.Signal) error
}

// A Tracer is the boundary to the OS process-tracing mechanism.
// Implementations launch commands under observation and deliver the
// operations they perform back through the engine's Trace methods.
type Tracer interface {
	// Start launches the command's executable under tracing with its
	// prescribed descriptor table, working directory, and root directory.
	Start(ctx context.Context, b *Build, c *Command) (Process, error)
	// Wait blocks until the process exits and returns its exit status.
	Wait(ctx context.Context, p Process) (int, error)
	// WaitAll blocks until every started process has exited.
	WaitAll(ctx context.Context) error
}

// Build is the engine: it replays IR steps from a loaded trace (the [Sink]
// methods) and admits freshly observed steps from the tracer (the Trace
// methods). Both paths update the same model; they differ in who created the
// step and whether the resulting versions are committed to disk.
//
// The engine is single-threaded: the tracer serializes event delivery, so no
// locking happens here.
type Build struct {
	ctx      context.Context
	env      *Env
	opts     *Options
	plan     *RebuildPlan
	observer Observer
	out      Sink
	tracer   Tracer
	commit   bool

	id      uuid.UUID
	running map[*Command]Process
	exited  sets.Set[*Command]

	stepsEmulated    int
	stepsTraced      int
	commandsEmulated int
	commandsTraced   int

	err error
}

// New returns an engine that executes a rebuild plan: steps from commands the
// plan can emulate are replayed, and commands that must rerun are launched
// under the tracer. Finished state is committed to disk.
func New(ctx context.Context, env *Env, plan *RebuildPlan, observer Observer, out Sink, tracer Tracer, opts *Options) *Build {
	return newBuild(ctx, env, plan, observer, out, tracer, opts, true)
}

// NewEmulator returns an engine that exclusively emulates trace steps.
// Nothing is launched and nothing is written to disk.
func NewEmulator(ctx context.Context, env *Env, observer Observer, out Sink, opts *Options) *Build {
	return newBuild(ctx, env, nil, observer, out, nil, opts, false)
}

func newBuild(ctx context.Context, env *Env, plan *RebuildPlan, observer Observer, out Sink, tracer Tracer, opts *Options, commit bool) *Build {
	if plan == nil {
		plan = NewRebuildPlan()
	}
	if observer == nil {
		observer = BaseObserver{}
	}
	if out == nil {
		out = Discard{}
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	b := &Build{
		ctx:      ctx,
		env:      env,
		opts:     opts,
		plan:     plan,
		observer: observer,
		out:      out,
		tracer:   tracer,
		commit:   commit,
		id:       uuid.New(),
		running:  make(map[*Command]Process),
		exited:   make(sets.Set[*Command]),
	}
	return b
}

// ID returns the unique identifier of this build.
func (b *Build) ID() uuid.UUID { return b.id }

// Env returns the environment the build executes in.
func (b *Build) Env() *Env { return b.env }

// Err returns the first fatal error encountered, if any.
func (b *Build) Err() error { return b.err }

// StepCount returns the number of emulated and traced steps processed.
func (b *Build) StepCount() (emulated, traced int) {
	return b.stepsEmulated, b.stepsTraced
}

// CommandCount returns the number of emulated and traced commands.
func (b *Build) CommandCount() (emulated, traced int) {
	return b.commandsEmulated, b.commandsTraced
}

// ExitFailures returns the commands that exited with a nonzero status.
func (b *Build) ExitFailures() []*Command {
	var failed []*Command
	for c := range b.exited.All() {
		if c.ExitStatus() != 0 {
			failed = append(failed, c)
		}
	}
	return failed
}

func (b *Build) fail(err error) {
	if b.err == nil {
		b.err = err
		log.Errorf(b.ctx, "%v", err)
	}
}

func (b *Build) canEmulate(c *Command) bool {
	return c == nil || b.plan.CanEmulate(c)
}

func (b *Build) isRunning(c *Command) bool {
	_, ok := b.running[c]
	return ok
}

/* Observer plumbing. */

func (b *Build) observeCommandNeverRun(c *Command) {
	b.observer.ObserveCommandNeverRun(c)
}

func (b *Build) observeLaunch(parent, child *Command) {
	b.observer.ObserveLaunch(parent, child)
}

func (b *Build) observeOutput(c *Command, a Artifact, v Version) {
	b.observer.ObserveOutput(c, a, v)
}

// observeInput forwards the signal, committing the version on demand first:
// by the time a running command observes an artifact, the on-disk content
// must match what the model predicts. A command reading its own output is
// exempt; that output is committed when it is finalized.
func (b *Build) observeInput(c *Command, a Artifact, v Version, t InputType) {
	if c != nil && b.commit && b.plan.MustRerun(c) && !v.Committed() && v.Creator() != c {
		if !a.CanCommit(v) {
			b.fail(fmt.Errorf("command %v depends on %s version of %s: %w", c, v.TypeName(), a.Name(), ErrUncommittable))
		} else if err := a.Commit(b, v); err != nil {
			b.fail(fmt.Errorf("committing %s of %s on demand: %w", v.TypeName(), a.Name(), err))
		} else {
			log.Debugf(b.ctx, "committed %s of %s on demand", v.TypeName(), a.Name())
		}
	}
	b.observer.ObserveInput(c, a, v, t)
}

func (b *Build) observeMismatch(c *Command, scenario Scenario, a Artifact, observed, expected Version) {
	b.observer.ObserveMismatch(c, scenario, a, observed, expected)
}

func (b *Build) observeFinalMismatch(a Artifact, produced, ondisk Version) {
	if b.commit {
		log.Warnf(b.ctx, "final state of %s does not match the build (have %v, disk %v); will commit on the next build", a.Name(), produced, ondisk)
	}
	b.observer.ObserveFinalMismatch(a, produced, ondisk)
}

func (b *Build) observeResolutionChange(c *Command, scenario Scenario, ref *Ref, expected unix.Errno) {
	b.observer.ObserveResolutionChange(c, scenario, ref, expected)
}

func (b *Build) observeRefMismatch(c *Command, ref1, ref2 *Ref, typ RefComparison) {
	b.observer.ObserveRefMismatch(c, ref1, ref2, typ)
}

func (b *Build) observeExitCodeChange(parent, child *Command, expected, observed int) {
	b.observer.ObserveExitCodeChange(parent, child, expected, observed)
}

/* Sink implementation: handle IR steps supplied from a loaded trace. */

// SpecialRef implements [Sink].
func (b *Build) SpecialRef(c *Command, entity SpecialEntity, output RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.SpecialRef(c, entity, output)

	switch entity {
	case SpecialStdin:
		c.SetRef(output, NewRef(ReadAccess(), b.env.Stdin()))
	case SpecialStdout:
		c.SetRef(output, NewRef(WriteAccess(), b.env.Stdout()))
	case SpecialStderr:
		c.SetRef(output, NewRef(WriteAccess(), b.env.Stderr()))
	case SpecialRoot:
		c.SetRef(output, NewRef(ExecAccess(), b.env.RootDir()))
	case SpecialCWD:
		wd, err := os.Getwd()
		if err != nil {
			b.fail(fmt.Errorf("resolve working directory: %w", err))
			return
		}
		r := b.env.Resolve(b, c, nil, wd, ExecAccess())
		if !r.Resolved() {
			b.fail(fmt.Errorf("resolve working directory %s: %v", wd, r.Errno()))
			return
		}
		r.Artifact().SetName(".")
		c.SetRef(output, r)
	case SpecialLaunchExe:
		r := b.env.Resolve(b, c, nil, shellPath, ExecAccess())
		c.SetRef(output, r)
	default:
		b.fail(fmt.Errorf("unknown special reference %d", entity))
	}
}

// shellPath is the interpreter used to launch build scripts.
const shellPath = "/bin/sh"

// PipeRef implements [Sink].
func (b *Build) PipeRef(c *Command, readEnd, writeEnd RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.PipeRef(c, readEnd, writeEnd)

	pipe := b.env.Pipe(b, c)
	c.SetRef(readEnd, NewRef(ReadAccess(), pipe))
	c.SetRef(writeEnd, NewRef(WriteAccess(), pipe))
}

// FileRef implements [Sink].
func (b *Build) FileRef(c *Command, mode uint32, output RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.FileRef(c, mode, output)
	c.SetRef(output, NewRef(ReadWriteAccess(), b.env.createFile(b, c, mode)))
}

// SymlinkRef implements [Sink].
func (b *Build) SymlinkRef(c *Command, target string, output RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.SymlinkRef(c, target, output)
	c.SetRef(output, NewRef(ReadWriteAccess(), b.env.createSymlink(b, c, target)))
}

// DirRef implements [Sink].
func (b *Build) DirRef(c *Command, mode uint32, output RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.DirRef(c, mode, output)
	c.SetRef(output, NewRef(ReadWriteAccess(), b.env.createDir(b, c, mode)))
}

// PathRef implements [Sink].
func (b *Build) PathRef(c *Command, base RefID, path string, flags AccessFlags, output RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.PathRef(c, base, path, flags, output)

	baseRef := c.Ref(base)
	if !baseRef.Resolved() {
		log.Warnf(b.ctx, "%v: resolving %s against unresolved reference %d", c, path, base)
		c.SetRef(output, FailedRef(unix.EBADF))
		return
	}
	c.SetRef(output, b.env.Resolve(b, c, baseRef.Artifact(), path, flags))
}

// UsingRef implements [Sink].
func (b *Build) UsingRef(c *Command, ref RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.UsingRef(c, ref)
	if r := c.Ref(ref); r != nil {
		r.AddUser()
	}
}

// DoneWithRef implements [Sink].
func (b *Build) DoneWithRef(c *Command, ref RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.DoneWithRef(c, ref)
	if r := c.Ref(ref); r != nil {
		r.RemoveUser()
	}
}

// CompareRefs implements [Sink].
func (b *Build) CompareRefs(c *Command, ref1, ref2 RefID, typ RefComparison) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.CompareRefs(c, ref1, ref2, typ)

	r1, r2 := c.Ref(ref1), c.Ref(ref2)
	same := r1.Artifact() == r2.Artifact()
	if (typ == SameInstance && !same) || (typ == DifferentInstances && same) {
		b.observeRefMismatch(c, r1, r2, typ)
	}
}

// ExpectResult implements [Sink].
func (b *Build) ExpectResult(c *Command, scenario Scenario, ref RefID, expected unix.Errno) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.ExpectResult(c, scenario, ref, expected)

	if r := c.Ref(ref); r != nil && r.Errno() != expected {
		b.observeResolutionChange(c, scenario, r, expected)
	}
}

// MatchMetadata implements [Sink].
func (b *Build) MatchMetadata(c *Command, scenario Scenario, ref RefID, expected *MetadataVersion) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.MatchMetadata(c, scenario, ref, expected)

	r := c.Ref(ref)
	if !r.Resolved() {
		// A resolution change has already been reported.
		return
	}
	r.Artifact().MatchMetadata(b, c, scenario, expected)
}

// MatchContent implements [Sink].
func (b *Build) MatchContent(c *Command, scenario Scenario, ref RefID, expected ContentVersion) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.MatchContent(c, scenario, ref, expected)

	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	r.Artifact().MatchContent(b, c, scenario, expected)
}

// UpdateMetadata implements [Sink].
func (b *Build) UpdateMetadata(c *Command, ref RefID, v *MetadataVersion) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.UpdateMetadata(c, ref, v)

	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	// Emulated writes are never committed; the creator is transient state
	// re-established on every run.
	v.SetCommitted(false)
	v.CreatedBy(c)
	r.Artifact().UpdateMetadata(b, c, v)
}

// UpdateContent implements [Sink].
func (b *Build) UpdateContent(c *Command, ref RefID, v ContentVersion) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.UpdateContent(c, ref, v)

	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	v.SetCommitted(false)
	v.CreatedBy(c)
	r.Artifact().UpdateContent(b, c, v)
}

// AddEntry implements [Sink].
func (b *Build) AddEntry(c *Command, dir RefID, name string, target RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.AddEntry(c, dir, name, target)

	dirRef, targetRef := c.Ref(dir), c.Ref(target)
	if !dirRef.Resolved() || !targetRef.Resolved() {
		return
	}
	da, ok := dirRef.Artifact().(*DirArtifact)
	if !ok {
		return
	}
	da.AddEntry(b, c, name, targetRef.Artifact())
}

// RemoveEntry implements [Sink].
func (b *Build) RemoveEntry(c *Command, dir RefID, name string, target RefID) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.RemoveEntry(c, dir, name, target)

	dirRef, targetRef := c.Ref(dir), c.Ref(target)
	if !dirRef.Resolved() || !targetRef.Resolved() {
		return
	}
	da, ok := dirRef.Artifact().(*DirArtifact)
	if !ok {
		return
	}
	da.RemoveEntry(b, c, name, targetRef.Artifact())
}

// Launch implements [Sink].
func (b *Build) Launch(c *Command, child *Command, refs []RefMapping) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++

	if !child.Executed() {
		b.observeCommandNeverRun(child)
	}
	b.observeLaunch(c, child)
	if c != nil {
		c.AddChild(child)
		for _, m := range refs {
			child.SetRef(m.Child, c.Ref(m.Parent))
		}
	}

	launchCommand := false
	printCommand := false
	if b.plan.MustRerun(child) {
		if b.opts.PrintOnRun || b.opts.DryRun {
			printCommand = true
		}
		if !b.opts.DryRun && b.tracer != nil {
			launchCommand = true
		}
	}
	if printCommand {
		fmt.Println(child.ShortName(b.opts.CommandLength))
	}

	// The executed flag must be updated before the step is mirrored so the
	// persisted command record reflects this run.
	if launchCommand {
		child.SetExecuted()
	}
	b.out.Launch(c, child, refs)

	if !launchCommand {
		b.commandsEmulated++
		return
	}
	b.commandsTraced++
	b.prepareLaunch(child)
	p, err := b.tracer.Start(b.ctx, b, child)
	if err != nil {
		b.fail(fmt.Errorf("%w: launching %v: %v", ErrTracer, child, err))
		return
	}
	b.running[child] = p
}

// prepareLaunch commits everything the child needs to observe on disk before
// it starts: its working directory, its executable, and the artifacts behind
// its initial descriptors.
func (b *Build) prepareLaunch(child *Command) {
	if wd := child.WorkingDir(); wd.Resolved() {
		if err := wd.Artifact().CommitAll(b); err != nil {
			log.Warnf(b.ctx, "launching %v: working directory: %v", child, err)
		}
	}
	if exe := child.Executable(); exe.Resolved() {
		if err := exe.Artifact().CommitAll(b); err != nil {
			b.fail(fmt.Errorf("launching %v: executable: %w", child, err))
			return
		}
	}
	for _, desc := range child.InitialFDs() {
		r := child.Ref(desc.Ref)
		if !r.Resolved() {
			continue
		}
		a := r.Artifact()
		if _, isPipe := a.(*PipeArtifact); isPipe {
			continue
		}
		if a.CanCommitAll() {
			if err := a.CommitAll(b); err != nil {
				log.Warnf(b.ctx, "launching %v: %s: %v", child, a.Name(), err)
			}
		} else {
			log.Warnf(b.ctx, "launching %v without committing %s", child, a.Name())
		}
	}
}

// Join implements [Sink].
func (b *Build) Join(c *Command, child *Command, exitStatus int) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.Join(c, child, exitStatus)

	if p, ok := b.running[child]; ok {
		status, err := b.tracer.Wait(b.ctx, p)
		delete(b.running, child)
		if err != nil {
			b.fail(fmt.Errorf("%w: waiting for %v: %v", ErrTracer, child, err))
			return
		}
		if !child.Exited() {
			child.SetExitStatus(status)
		}
	}

	if child.ExitStatus() != exitStatus {
		b.observeExitCodeChange(c, child, exitStatus, child.ExitStatus())
	}
}

// Exit implements [Sink].
func (b *Build) Exit(c *Command, exitStatus int) {
	if !b.canEmulate(c) {
		return
	}
	b.stepsEmulated++
	b.out.Exit(c, exitStatus)

	b.exited.Add(c)
	c.SetExitStatus(exitStatus)
}

// Finish implements [Sink]: it waits for all remaining traced processes,
// compares the final state of every artifact to the filesystem, commits the
// environment if this build commits, and finishes the output sink.
func (b *Build) Finish() error {
	if b.tracer != nil {
		if err := b.tracer.WaitAll(b.ctx); err != nil {
			b.fail(fmt.Errorf("%w: %v", ErrTracer, err))
		}
	}
	b.env.CheckFinalState(b)
	if b.commit && !b.opts.DryRun {
		if err := b.env.ApplyFinalState(b); err != nil {
			log.Warnf(b.ctx, "applying final state: %v", err)
		}
	}
	if err := b.out.Finish(); err != nil {
		b.fail(err)
	}
	return b.err
}

var _ Sink = (*Build)(nil)

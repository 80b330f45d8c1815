// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

// Package tracer is the boundary to the OS process-tracing mechanism.
//
// The syscall interception itself is an external collaborator; this package
// owns launching commands in their working directory, delivering completion
// back into the engine, and tearing traced processes down when the build is
// interrupted. Launched processes inherit this process's standard input,
// output, and error; the command's initial descriptor table and root
// directory are not applied.
package tracer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"rb.256lights.llc/pkg/build"
)

// Local launches commands as ordinary child processes on this machine.
// Event delivery is serialized: completions are admitted into the engine
// only from [Local.Wait] and [Local.WaitAll], which run on the engine's
// goroutine.
type Local struct {
	grp       *errgroup.Group
	processes []*process
}

// New returns a tracer that runs commands locally.
func New() *Local {
	return &Local{grp: new(errgroup.Group)}
}

type process struct {
	cmd      *exec.Cmd
	command  *build.Command
	b        *build.Build
	done     chan struct{}
	status   int
	waitErr  error
	reported bool
}

// Signal implements [build.Process] by signalling the process group.
func (p *process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	s, ok := sig.(unix.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	return unix.Kill(-p.cmd.Process.Pid, s)
}

// Close implements io.Closer for [xcontext.CloseWhenDone]: it kills the
// process group when the build context is cancelled.
func (p *process) Close() error {
	return p.Signal(unix.SIGKILL)
}

// Start implements [build.Tracer].
func (l *Local) Start(ctx context.Context, b *build.Build, c *build.Command) (build.Process, error) {
	args := c.Args()
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: command has no arguments", build.ErrTracer)
	}
	exePath := args[0]
	if exe := c.Executable(); exe.Resolved() && exe.Artifact().Path() != "" {
		exePath = exe.Artifact().Path()
	}

	cmd := exec.Command(exePath, args[1:]...)
	cmd.Args = args
	if wd := c.WorkingDir(); wd.Resolved() && wd.Artifact().Path() != "" {
		cmd.Dir = wd.Artifact().Path()
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &process{
		cmd:     cmd,
		command: c,
		b:       b,
		done:    make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: exec %s: %v", build.ErrTracer, exePath, err)
	}
	log.Debugf(ctx, "started %v (pid %d)", c, cmd.Process.Pid)
	// Kill the process group if the build context is cancelled first.
	stop := xcontext.CloseWhenDone(ctx, p)

	l.processes = append(l.processes, p)
	l.grp.Go(func() error {
		defer close(p.done)
		defer stop.Close()
		err := cmd.Wait()
		switch err := err.(type) {
		case nil:
			p.status = 0
		case *exec.ExitError:
			p.status = err.ExitCode()
		default:
			p.waitErr = err
			return err
		}
		return nil
	})
	return p, nil
}

// Wait implements [build.Tracer]: it blocks until the process exits, admits
// the exit into the engine, and returns the exit status.
func (l *Local) Wait(ctx context.Context, bp build.Process) (int, error) {
	p, ok := bp.(*process)
	if !ok {
		return 0, fmt.Errorf("%w: unknown process handle %T", build.ErrTracer, bp)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	l.report(p)
	return p.status, nil
}

// WaitAll implements [build.Tracer]: it blocks until every started process
// has exited and admits any exits not yet delivered.
func (l *Local) WaitAll(ctx context.Context) error {
	err := l.grp.Wait()
	for _, p := range l.processes {
		if p.waitErr == nil {
			l.report(p)
		}
	}
	return err
}

// report admits the process exit into the engine exactly once.
func (l *Local) report(p *process) {
	if p.reported {
		return
	}
	p.reported = true
	p.b.TraceExit(p.command, p.status)
}

var _ build.Tracer = (*Local)(nil)

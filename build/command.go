// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"maps"
	"path"
	"slices"
	"strings"
)

// FileDescriptor describes one slot of a command's initial descriptor table.
type FileDescriptor struct {
	// Ref is the reference (in the owning command's table) backing the slot.
	Ref RefID
	// Write reports whether the descriptor was opened for writing.
	Write bool
}

// A Command is one recorded unit of execution: an executable reference, its
// argument vector, and the initial descriptor/working-directory/root
// references it started with. A command owns the references its steps
// produce and the children it launches.
type Command struct {
	args       []string
	initialFDs map[int]FileDescriptor

	refs     []*Ref
	children []*Command

	executed   bool
	exited     bool
	exitStatus int
}

// NewCommand returns a command with the given identity.
// The well-known reference slots (root, cwd, exe, stdin, stdout, stderr) are
// allocated but unresolved; launching fills them in.
func NewCommand(args []string, fds map[int]FileDescriptor) *Command {
	c := &Command{
		args:       append([]string(nil), args...),
		initialFDs: maps.Clone(fds),
		refs:       make([]*Ref, firstCustomRef),
	}
	if c.initialFDs == nil {
		c.initialFDs = make(map[int]FileDescriptor)
	}
	return c
}

// Args returns the command's argument vector. Callers must not modify it.
func (c *Command) Args() []string { return c.args }

// InitialFDs returns the command's initial descriptor table.
// Callers must not modify it.
func (c *Command) InitialFDs() map[int]FileDescriptor { return c.initialFDs }

// Ref returns the reference in the given slot, or nil if the slot is empty.
func (c *Command) Ref(id RefID) *Ref {
	if int(id) >= len(c.refs) {
		return nil
	}
	return c.refs[id]
}

// SetRef stores a reference in the given slot, growing the table as needed.
func (c *Command) SetRef(id RefID, r *Ref) {
	for int(id) >= len(c.refs) {
		c.refs = append(c.refs, nil)
	}
	c.refs[id] = r
}

// NextRef stores a reference in a fresh slot and returns its ID.
// The tracer uses this to admit newly observed references.
func (c *Command) NextRef(r *Ref) RefID {
	id := RefID(len(c.refs))
	c.refs = append(c.refs, r)
	return id
}

// Executable returns the reference to the command's executable.
func (c *Command) Executable() *Ref { return c.Ref(RefExe) }

// WorkingDir returns the reference to the command's initial working directory.
func (c *Command) WorkingDir() *Ref { return c.Ref(RefCWD) }

// RootDir returns the reference to the command's initial root directory.
func (c *Command) RootDir() *Ref { return c.Ref(RefRoot) }

// AddChild appends a launched child command.
// Re-emulating a trace relaunches the same children; duplicates are ignored.
func (c *Command) AddChild(child *Command) {
	if slices.Contains(c.children, child) {
		return
	}
	c.children = append(c.children, child)
}

// Children returns the commands this command has launched, oldest first.
func (c *Command) Children() []*Command { return c.children }

// Executed reports whether the command has ever actually run
// (as opposed to only being emulated).
func (c *Command) Executed() bool { return c.executed }

// SetExecuted marks the command as having run.
func (c *Command) SetExecuted() { c.executed = true }

// Exited reports whether an Exit step has been recorded for the command.
func (c *Command) Exited() bool { return c.exited }

// ExitStatus returns the recorded exit status.
func (c *Command) ExitStatus() int { return c.exitStatus }

// SetExitStatus records the command's exit status.
func (c *Command) SetExitStatus(status int) {
	c.exitStatus = status
	c.exited = true
}

// FindChild looks for a previously recorded child matching the identity of a
// process being launched: same argument vector, same descriptor table shape,
// and executable/cwd/root references resolving to the same artifacts.
// The tracer uses this to re-attach an executing process to its recorded
// command. It returns nil if no child matches.
func (c *Command) FindChild(exe, cwd, root Artifact, args []string, fds map[int]FileDescriptor) *Command {
	for _, child := range c.children {
		if !equalArgs(child.args, args) {
			continue
		}
		if len(child.initialFDs) != len(fds) {
			continue
		}
		fdsMatch := true
		for fd, desc := range fds {
			childDesc, ok := child.initialFDs[fd]
			if !ok || childDesc.Write != desc.Write {
				fdsMatch = false
				break
			}
		}
		if !fdsMatch {
			continue
		}
		if child.Executable().Artifact() != exe ||
			child.WorkingDir().Artifact() != cwd ||
			child.RootDir().Artifact() != root {
			continue
		}
		return child
	}
	return nil
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShortName renders the command for one-line printing, truncated to limit
// columns. The executable is shown by basename.
func (c *Command) ShortName(limit int) string {
	if len(c.args) == 0 {
		return "<command>"
	}
	sb := new(strings.Builder)
	sb.WriteString(path.Base(c.args[0]))
	for _, arg := range c.args[1:] {
		if limit > 0 && sb.Len() >= limit {
			break
		}
		sb.WriteString(" ")
		sb.WriteString(arg)
	}
	s := sb.String()
	if limit > 3 && len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}

func (c *Command) String() string {
	if c == nil {
		return "<no command>"
	}
	return c.ShortName(20)
}

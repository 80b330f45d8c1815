// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RefID names a [Ref] within its owning command's reference table.
// The trace refers to references exclusively by these small integers.
type RefID uint32

// Well-known reference slots present in every command.
const (
	RefRoot RefID = iota
	RefCWD
	RefExe
	RefStdin
	RefStdout
	RefStderr

	// firstCustomRef is the first slot available for ordinary references.
	firstCustomRef
)

// A Ref is the outcome of resolving a reference: either an artifact plus the
// access that was granted, or an errno explaining the failure. Commands hold
// refs in descriptor slots; the user count tracks how many handles remain.
type Ref struct {
	flags    AccessFlags
	artifact Artifact
	err      unix.Errno
	users    int
}

// NewRef returns a successfully resolved reference.
func NewRef(flags AccessFlags, a Artifact) *Ref {
	return &Ref{flags: flags, artifact: a}
}

// FailedRef returns a reference that resolved to an error.
func FailedRef(err unix.Errno) *Ref {
	return &Ref{err: err}
}

// Resolved reports whether the reference resolved to an artifact.
func (r *Ref) Resolved() bool { return r != nil && r.artifact != nil }

// Artifact returns the resolved artifact, or nil.
func (r *Ref) Artifact() Artifact {
	if r == nil {
		return nil
	}
	return r.artifact
}

// Flags returns the access that was granted.
func (r *Ref) Flags() AccessFlags { return r.flags }

// Errno returns the resolution result code: zero on success.
func (r *Ref) Errno() unix.Errno {
	if r == nil {
		return unix.EBADF
	}
	return r.err
}

// AddUser records a handle to this reference.
// It reports whether this was the first handle.
func (r *Ref) AddUser() bool {
	r.users++
	return r.users == 1
}

// RemoveUser drops a handle to this reference.
// It reports whether this was the last handle.
func (r *Ref) RemoveUser() bool {
	if r.users <= 0 {
		return false
	}
	r.users--
	return r.users == 0
}

// Users returns the current handle count.
func (r *Ref) Users() int { return r.users }

func (r *Ref) String() string {
	switch {
	case r == nil:
		return "<nil ref>"
	case r.artifact != nil:
		return fmt.Sprintf("ref(%s, %v)", r.artifact.Name(), r.flags)
	case r.err != 0:
		return fmt.Sprintf("ref(%v)", r.err)
	default:
		return "ref(unresolved)"
	}
}

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// SymlinkArtifact is the identity of a symbolic link.
type SymlinkArtifact struct {
	artifact
	target *SymlinkVersion
}

func newSymlinkArtifact(env *Env, name, path string, md *MetadataVersion, sv *SymlinkVersion) *SymlinkArtifact {
	sa := &SymlinkArtifact{}
	sa.artifact = artifact{env: env, name: name, path: path}
	sa.owner = sa
	sa.setMetadata(md)
	sa.setTarget(sv)
	return sa
}

func (sa *SymlinkArtifact) setTarget(sv *SymlinkVersion) {
	sa.appendVersion(sv)
	sa.target = sv
}

// Target returns the current symlink version.
func (sa *SymlinkArtifact) Target() *SymlinkVersion { return sa.target }

// PeekContent implements [Artifact].
func (sa *SymlinkArtifact) PeekContent() ContentVersion { return sa.target }

// MatchContent implements [Artifact].
func (sa *SymlinkArtifact) MatchContent(b *Build, c *Command, scenario Scenario, expected ContentVersion) {
	var observed ContentVersion
	if scenario == ScenarioPostBuild {
		observed = sa.lastCommittedContent()
	} else if sa.target != nil {
		sa.target.MarkAccessed()
		b.observeInput(c, sa, sa.target, InputAccessed)
		observed = sa.target
	}
	if observed == nil || !observed.Matches(expected) {
		b.observeMismatch(c, scenario, sa, observed, expected)
	}
}

// UpdateContent implements [Artifact].
func (sa *SymlinkArtifact) UpdateContent(b *Build, c *Command, v ContentVersion) {
	sv, ok := v.(*SymlinkVersion)
	if !ok {
		b.fail(fmt.Errorf("update %s: %s version on a symlink: %w", sa.name, v.TypeName(), ErrUncommittable))
		return
	}
	sv.CreatedBy(c)
	sa.setTarget(sv)
	b.observeOutput(c, sa, sv)
}

// follow resolves the link's target relative to the directory the link was
// reached through.
func (sa *SymlinkArtifact) follow(b *Build, c *Command, dir *DirArtifact, depth int) *Ref {
	if depth <= 0 {
		return FailedRef(unix.ELOOP)
	}
	target := sa.target.Target
	base := dir
	if strings.HasPrefix(target, "/") {
		base = b.env.RootDir()
		target = strings.TrimPrefix(target, "/")
	}
	if target == "" {
		return NewRef(ReadAccess(), base)
	}
	return base.Resolve(b, c, target, ReadAccess(), depth)
}

// Resolve implements [Artifact]. Symlinks do not resolve paths themselves.
func (sa *SymlinkArtifact) Resolve(*Build, *Command, string, AccessFlags, int) *Ref {
	return FailedRef(unix.ENOTDIR)
}

// CanCommit implements [Artifact].
func (sa *SymlinkArtifact) CanCommit(v Version) bool {
	switch v := v.(type) {
	case *MetadataVersion:
		return true
	case ContentVersion:
		return v.CanCommit()
	default:
		return false
	}
}

// Commit implements [Artifact].
func (sa *SymlinkArtifact) Commit(b *Build, v Version) error {
	if v.Committed() {
		return nil
	}
	if sa.path == "" {
		return fmt.Errorf("commit %s: %w", sa.name, ErrUncommittable)
	}
	switch v := v.(type) {
	case *SymlinkVersion:
		if got, err := os.Readlink(sa.path); err == nil && got == v.Target {
			v.SetCommitted(true)
			return nil
		}
		if err := os.Remove(sa.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Symlink(v.Target, sa.path); err != nil {
			return err
		}
		v.SetCommitted(true)
		return nil
	case *MetadataVersion:
		// Symlink permission bits are ignored by the kernel;
		// ownership is all that can change.
		if os.Geteuid() == 0 {
			if err := os.Lchown(sa.path, int(v.UID), int(v.GID)); err != nil {
				return err
			}
		}
		v.SetCommitted(true)
		return nil
	default:
		return fmt.Errorf("commit %s: %s version: %w", sa.name, v.TypeName(), ErrUncommittable)
	}
}

// CanCommitAll implements [Artifact].
func (sa *SymlinkArtifact) CanCommitAll() bool { return sa.path != "" }

// CommitAll implements [Artifact].
func (sa *SymlinkArtifact) CommitAll(b *Build) error {
	if sv := sa.target; sv != nil && !sv.Committed() {
		if err := sa.Commit(b, sv); err != nil {
			return err
		}
	}
	if md := sa.metadata; md != nil && !md.Committed() {
		if err := sa.Commit(b, md); err != nil {
			return err
		}
	}
	return nil
}

// CheckFinalState implements [Artifact]: the on-disk link target is read back
// and compared against the model.
func (sa *SymlinkArtifact) CheckFinalState(b *Build, path string) {
	if sa.target == nil {
		return
	}
	got, err := os.Readlink(path)
	if err != nil {
		b.observeFinalMismatch(sa, sa.target, nil)
		return
	}
	onDisk := NewSymlinkVersion(got)
	if !sa.target.Matches(onDisk) {
		b.observeFinalMismatch(sa, sa.target, onDisk)
	}
}

// ApplyFinalState implements [Artifact].
func (sa *SymlinkArtifact) ApplyFinalState(b *Build, path string) error {
	if sa.path == "" {
		sa.path = path
	}
	return sa.CommitAll(b)
}

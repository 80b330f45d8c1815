// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"golang.org/x/sys/unix"
)

// PipeArtifact is the identity of an anonymous pipe or one of the standard
// streams. Pipes have no persistent state: matching their content always
// succeeds, and committing is a no-op.
type PipeArtifact struct {
	artifact

	writes int
	closed bool
	last   ContentVersion
}

func newPipeArtifact(env *Env, name string, md *MetadataVersion) *PipeArtifact {
	pa := &PipeArtifact{}
	pa.artifact = artifact{env: env, name: name}
	pa.owner = pa
	pa.setMetadata(md)
	return pa
}

// PeekContent implements [Artifact].
func (pa *PipeArtifact) PeekContent() ContentVersion {
	if pa.last == nil {
		return &PipeReadVersion{Writes: pa.writes}
	}
	return pa.last
}

// MatchContent implements [Artifact]. A match against a pipe always
// succeeds; the read is still registered as an input.
func (pa *PipeArtifact) MatchContent(b *Build, c *Command, scenario Scenario, expected ContentVersion) {
	if scenario != ScenarioBuild || pa.last == nil {
		return
	}
	pa.last.MarkAccessed()
	b.observeInput(c, pa, pa.last, InputAccessed)
}

// UpdateContent implements [Artifact].
func (pa *PipeArtifact) UpdateContent(b *Build, c *Command, v ContentVersion) {
	v.CreatedBy(c)
	pa.appendVersion(v)
	pa.last = v
	switch v.(type) {
	case *PipeWriteVersion:
		pa.writes++
	case *PipeCloseVersion:
		pa.closed = true
	}
	b.observeOutput(c, pa, v)
}

// Resolve implements [Artifact].
func (pa *PipeArtifact) Resolve(*Build, *Command, string, AccessFlags, int) *Ref {
	return FailedRef(unix.ENOTDIR)
}

// CanCommit implements [Artifact].
func (pa *PipeArtifact) CanCommit(Version) bool { return true }

// Commit implements [Artifact]. Pipes have no on-disk form.
func (pa *PipeArtifact) Commit(_ *Build, v Version) error {
	v.SetCommitted(true)
	return nil
}

// CanCommitAll implements [Artifact].
func (pa *PipeArtifact) CanCommitAll() bool { return true }

// CommitAll implements [Artifact].
func (pa *PipeArtifact) CommitAll(*Build) error { return nil }

// CheckFinalState implements [Artifact]. Nothing to check.
func (pa *PipeArtifact) CheckFinalState(*Build, string) {}

// ApplyFinalState implements [Artifact]. Nothing to apply.
func (pa *PipeArtifact) ApplyFinalState(*Build, string) error { return nil }

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"golang.org/x/sys/unix"
)

// An Artifact is the ongoing identity of a filesystem object across a build.
// Every artifact carries the sequence of versions it has passed through
// (newest last), the current version of each facet with a committed flag, and
// a per-facet access filter.
type Artifact interface {
	// Name returns a human-readable label for logs and rebuild reasons.
	Name() string
	SetName(string)

	// Path returns the artifact's committed path, if it has one.
	// Anonymous artifacts return "".
	Path() string

	// Versions returns the append-only version history.
	Versions() []Version

	// Metadata returns the current metadata version, registering an input
	// dependency for c.
	Metadata(b *Build, c *Command, t InputType) *MetadataVersion
	// PeekMetadata returns the current metadata version without registering
	// a dependency.
	PeekMetadata() *MetadataVersion
	// MatchMetadata compares the expectation against the model and signals a
	// mismatch to the build's observers if they differ.
	MatchMetadata(b *Build, c *Command, scenario Scenario, expected *MetadataVersion)
	// UpdateMetadata appends v as the artifact's new current metadata.
	UpdateMetadata(b *Build, c *Command, v *MetadataVersion)

	// PeekContent returns the current content version without registering a
	// dependency.
	PeekContent() ContentVersion
	// MatchContent compares the expectation against the model and signals a
	// mismatch to the build's observers if they differ.
	MatchContent(b *Build, c *Command, scenario Scenario, expected ContentVersion)
	// UpdateContent appends v as the artifact's new current content.
	UpdateContent(b *Build, c *Command, v ContentVersion)

	// Resolve resolves a relative path against this artifact.
	// Only directories resolve paths; everything else reports ENOTDIR.
	Resolve(b *Build, c *Command, path string, flags AccessFlags, depth int) *Ref

	// CanCommit reports whether v holds enough data to be reified on disk.
	CanCommit(v Version) bool
	// Commit reifies v at the artifact's path.
	Commit(b *Build, v Version) error
	// CanCommitAll reports whether every uncommitted current version can be
	// committed.
	CanCommitAll() bool
	// CommitAll reifies all uncommitted current versions.
	CommitAll(b *Build) error

	// CheckFinalState compares the on-disk state reached through path with
	// the model and reports final mismatches.
	CheckFinalState(b *Build, path string)
	// ApplyFinalState commits any remaining uncommitted state, recursively.
	ApplyFinalState(b *Build, path string) error

	// base exposes the shared artifact state to the engine.
	base() *artifact
}

// artifact is the state shared by every artifact kind.
type artifact struct {
	env   *Env
	owner Artifact // the concrete kind embedding this state
	name  string
	path  string

	versions []Version
	metadata *MetadataVersion

	mdFilter accessFilter
	cFilter  accessFilter
}

func (a *artifact) Name() string        { return a.name }
func (a *artifact) SetName(n string)    { a.name = n }
func (a *artifact) Path() string        { return a.path }
func (a *artifact) Versions() []Version { return a.versions }
func (a *artifact) base() *artifact     { return a }

func (a *artifact) appendVersion(v Version) {
	a.versions = append(a.versions, v)
}

func (a *artifact) setMetadata(v *MetadataVersion) {
	a.appendVersion(v)
	a.metadata = v
}

// Metadata implements the metadata read for every artifact kind.
func (a *artifact) Metadata(b *Build, c *Command, t InputType) *MetadataVersion {
	mv := a.metadata
	if mv != nil {
		mv.MarkAccessed()
		b.observeInput(c, a.self(), mv, t)
	}
	return mv
}

// PeekMetadata returns the current metadata version without side effects.
func (a *artifact) PeekMetadata() *MetadataVersion { return a.metadata }

// MatchMetadata compares expected against the model (build scenario) or the
// committed on-disk state (post-build scenario).
func (a *artifact) MatchMetadata(b *Build, c *Command, scenario Scenario, expected *MetadataVersion) {
	var observed *MetadataVersion
	if scenario == ScenarioPostBuild {
		observed = a.lastCommittedMetadata()
	} else {
		observed = a.Metadata(b, c, InputAccessed)
	}
	if observed == nil || !observed.Matches(expected) {
		b.observeMismatch(c, scenario, a.self(), versionOrNil(observed), expected)
	}
}

// UpdateMetadata appends v as the new current metadata.
func (a *artifact) UpdateMetadata(b *Build, c *Command, v *MetadataVersion) {
	v.CreatedBy(c)
	a.setMetadata(v)
	b.observeOutput(c, a.self(), v)
}

func (a *artifact) lastCommittedMetadata() *MetadataVersion {
	for i := len(a.versions) - 1; i >= 0; i-- {
		if mv, ok := a.versions[i].(*MetadataVersion); ok && mv.Committed() {
			return mv
		}
	}
	return nil
}

func (a *artifact) lastCommittedContent() ContentVersion {
	for i := len(a.versions) - 1; i >= 0; i-- {
		if cv, ok := a.versions[i].(ContentVersion); ok && cv.Committed() {
			return cv
		}
	}
	return nil
}

// self returns the artifact as its concrete kind.
// Set once by each kind's constructor.
func (a *artifact) self() Artifact { return a.owner }

// checkAccess applies the permission check against the artifact's current
// metadata using the tracee's effective IDs.
func (a *artifact) checkAccess(b *Build, flags AccessFlags) unix.Errno {
	mv := a.metadata
	if mv == nil {
		return 0
	}
	if !mv.CheckAccess(flags, b.env.euid, b.env.egid) {
		return unix.EACCES
	}
	return 0
}

func versionOrNil(mv *MetadataVersion) Version {
	if mv == nil {
		return nil
	}
	return mv
}

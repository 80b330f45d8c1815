// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import "golang.org/x/sys/unix"

// RefMapping pairs a reference slot in a launching command with the slot the
// same resolution occupies in the launched child.
type RefMapping struct {
	Parent RefID
	Child  RefID
}

// A Sink consumes a stream of IR steps in trace order. The engine is a sink
// (replaying a loaded trace), as are the trace writer, the in-memory
// recorder, and post-processing passes that wrap another sink.
type Sink interface {
	// SpecialRef resolves a well-known artifact into the output slot.
	SpecialRef(c *Command, entity SpecialEntity, output RefID)
	// PipeRef creates an anonymous pipe, resolving both ends.
	PipeRef(c *Command, readEnd, writeEnd RefID)
	// FileRef creates an anonymous file with the given mode.
	FileRef(c *Command, mode uint32, output RefID)
	// SymlinkRef creates an anonymous symlink with the given target.
	SymlinkRef(c *Command, target string, output RefID)
	// DirRef creates an anonymous directory with the given mode.
	DirRef(c *Command, mode uint32, output RefID)
	// PathRef resolves path relative to the base reference's artifact.
	PathRef(c *Command, base RefID, path string, flags AccessFlags, output RefID)

	// UsingRef records the command retaining a handle to a reference.
	UsingRef(c *Command, ref RefID)
	// DoneWithRef records the command dropping a handle to a reference.
	DoneWithRef(c *Command, ref RefID)

	// CompareRefs records an expectation about two references' identities.
	CompareRefs(c *Command, ref1, ref2 RefID, typ RefComparison)
	// ExpectResult records the result code a reference resolved with.
	ExpectResult(c *Command, scenario Scenario, ref RefID, expected unix.Errno)
	// MatchMetadata records the metadata version the command observed.
	MatchMetadata(c *Command, scenario Scenario, ref RefID, expected *MetadataVersion)
	// MatchContent records the content version the command observed.
	MatchContent(c *Command, scenario Scenario, ref RefID, expected ContentVersion)

	// UpdateMetadata records the command writing an artifact's metadata.
	UpdateMetadata(c *Command, ref RefID, v *MetadataVersion)
	// UpdateContent records the command writing an artifact's content.
	UpdateContent(c *Command, ref RefID, v ContentVersion)
	// AddEntry records the command linking target into a directory.
	AddEntry(c *Command, dir RefID, name string, target RefID)
	// RemoveEntry records the command unlinking target from a directory.
	RemoveEntry(c *Command, dir RefID, name string, target RefID)

	// Launch records c starting child, carrying the reference slots the
	// child inherits. c is nil when the root command launches.
	Launch(c *Command, child *Command, refs []RefMapping)
	// Join records c waiting for child, which exited with exitStatus.
	Join(c *Command, child *Command, exitStatus int)
	// Exit records c exiting with exitStatus.
	Exit(c *Command, exitStatus int)

	// Finish marks the end of the step stream.
	Finish() error
}

// Discard is a [Sink] that drops every step.
type Discard struct{}

func (Discard) SpecialRef(*Command, SpecialEntity, RefID)                 {}
func (Discard) PipeRef(*Command, RefID, RefID)                            {}
func (Discard) FileRef(*Command, uint32, RefID)                           {}
func (Discard) SymlinkRef(*Command, string, RefID)                        {}
func (Discard) DirRef(*Command, uint32, RefID)                            {}
func (Discard) PathRef(*Command, RefID, string, AccessFlags, RefID)       {}
func (Discard) UsingRef(*Command, RefID)                                  {}
func (Discard) DoneWithRef(*Command, RefID)                               {}
func (Discard) CompareRefs(*Command, RefID, RefID, RefComparison)         {}
func (Discard) ExpectResult(*Command, Scenario, RefID, unix.Errno)        {}
func (Discard) MatchMetadata(*Command, Scenario, RefID, *MetadataVersion) {}
func (Discard) MatchContent(*Command, Scenario, RefID, ContentVersion)    {}
func (Discard) UpdateMetadata(*Command, RefID, *MetadataVersion)          {}
func (Discard) UpdateContent(*Command, RefID, ContentVersion)             {}
func (Discard) AddEntry(*Command, RefID, string, RefID)                   {}
func (Discard) RemoveEntry(*Command, RefID, string, RefID)                {}
func (Discard) Launch(*Command, *Command, []RefMapping)                   {}
func (Discard) Join(*Command, *Command, int)                              {}
func (Discard) Exit(*Command, int)                                        {}
func (Discard) Finish() error                                             { return nil }

var _ Sink = Discard{}

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

// Package trace persists and replays the IR step stream of a build.
//
// A [Trace] is the in-memory form: an ordered list of steps that can be sent
// to any [build.Sink]. The [Writer] serializes the same stream to a tagged
// little-endian binary file, and [Load] reads such a file back. Records in
// the file refer to commands by small integer IDs assigned on first mention;
// the in-memory form holds the commands directly.
package trace

import (
	"errors"

	"golang.org/x/sys/unix"

	"rb.256lights.llc/pkg/build"
)

// Magic identifies a trace file; the bytes spell "rbtrace\0" little-endian.
const Magic uint64 = 0x0065636172746272

// FormatVersion is incremented on every incompatible change to the trace
// format.
const FormatVersion uint64 = 1

// ErrInvalidTrace is reported when a trace file cannot be used: wrong magic,
// wrong version, or truncated or corrupt records. Callers fall back to
// [Default], which causes a full build.
var ErrInvalidTrace = errors.New("invalid trace")

// A record is one step held in an in-memory trace.
type record interface {
	send(s build.Sink)
}

// Trace is an in-memory step stream. The zero value is an empty trace.
// Trace implements [build.Sink], so an engine can record into it, and
// [Trace.SendTo] replays the stream into another sink.
type Trace struct {
	records []record
}

// SendTo replays every recorded step into sink in order, then finishes the
// sink.
func (t *Trace) SendTo(sink build.Sink) error {
	for _, r := range t.records {
		r.send(sink)
	}
	return sink.Finish()
}

// Len returns the number of recorded steps.
func (t *Trace) Len() int { return len(t.records) }

type specialRefRecord struct {
	c      *build.Command
	entity build.SpecialEntity
	output build.RefID
}

func (r specialRefRecord) send(s build.Sink) { s.SpecialRef(r.c, r.entity, r.output) }

// SpecialRef implements [build.Sink].
func (t *Trace) SpecialRef(c *build.Command, entity build.SpecialEntity, output build.RefID) {
	t.records = append(t.records, specialRefRecord{c, entity, output})
}

type pipeRefRecord struct {
	c                 *build.Command
	readEnd, writeEnd build.RefID
}

func (r pipeRefRecord) send(s build.Sink) { s.PipeRef(r.c, r.readEnd, r.writeEnd) }

// PipeRef implements [build.Sink].
func (t *Trace) PipeRef(c *build.Command, readEnd, writeEnd build.RefID) {
	t.records = append(t.records, pipeRefRecord{c, readEnd, writeEnd})
}

type fileRefRecord struct {
	c      *build.Command
	mode   uint32
	output build.RefID
}

func (r fileRefRecord) send(s build.Sink) { s.FileRef(r.c, r.mode, r.output) }

// FileRef implements [build.Sink].
func (t *Trace) FileRef(c *build.Command, mode uint32, output build.RefID) {
	t.records = append(t.records, fileRefRecord{c, mode, output})
}

type symlinkRefRecord struct {
	c      *build.Command
	target string
	output build.RefID
}

func (r symlinkRefRecord) send(s build.Sink) { s.SymlinkRef(r.c, r.target, r.output) }

// SymlinkRef implements [build.Sink].
func (t *Trace) SymlinkRef(c *build.Command, target string, output build.RefID) {
	t.records = append(t.records, symlinkRefRecord{c, target, output})
}

type dirRefRecord struct {
	c      *build.Command
	mode   uint32
	output build.RefID
}

func (r dirRefRecord) send(s build.Sink) { s.DirRef(r.c, r.mode, r.output) }

// DirRef implements [build.Sink].
func (t *Trace) DirRef(c *build.Command, mode uint32, output build.RefID) {
	t.records = append(t.records, dirRefRecord{c, mode, output})
}

type pathRefRecord struct {
	c      *build.Command
	base   build.RefID
	path   string
	flags  build.AccessFlags
	output build.RefID
}

func (r pathRefRecord) send(s build.Sink) { s.PathRef(r.c, r.base, r.path, r.flags, r.output) }

// PathRef implements [build.Sink].
func (t *Trace) PathRef(c *build.Command, base build.RefID, path string, flags build.AccessFlags, output build.RefID) {
	t.records = append(t.records, pathRefRecord{c, base, path, flags, output})
}

type usingRefRecord struct {
	c   *build.Command
	ref build.RefID
}

func (r usingRefRecord) send(s build.Sink) { s.UsingRef(r.c, r.ref) }

// UsingRef implements [build.Sink].
func (t *Trace) UsingRef(c *build.Command, ref build.RefID) {
	t.records = append(t.records, usingRefRecord{c, ref})
}

type doneWithRefRecord struct {
	c   *build.Command
	ref build.RefID
}

func (r doneWithRefRecord) send(s build.Sink) { s.DoneWithRef(r.c, r.ref) }

// DoneWithRef implements [build.Sink].
func (t *Trace) DoneWithRef(c *build.Command, ref build.RefID) {
	t.records = append(t.records, doneWithRefRecord{c, ref})
}

type compareRefsRecord struct {
	c          *build.Command
	ref1, ref2 build.RefID
	typ        build.RefComparison
}

func (r compareRefsRecord) send(s build.Sink) { s.CompareRefs(r.c, r.ref1, r.ref2, r.typ) }

// CompareRefs implements [build.Sink].
func (t *Trace) CompareRefs(c *build.Command, ref1, ref2 build.RefID, typ build.RefComparison) {
	t.records = append(t.records, compareRefsRecord{c, ref1, ref2, typ})
}

type expectResultRecord struct {
	c        *build.Command
	scenario build.Scenario
	ref      build.RefID
	expected unix.Errno
}

func (r expectResultRecord) send(s build.Sink) { s.ExpectResult(r.c, r.scenario, r.ref, r.expected) }

// ExpectResult implements [build.Sink].
func (t *Trace) ExpectResult(c *build.Command, scenario build.Scenario, ref build.RefID, expected unix.Errno) {
	t.records = append(t.records, expectResultRecord{c, scenario, ref, expected})
}

type matchMetadataRecord struct {
	c        *build.Command
	scenario build.Scenario
	ref      build.RefID
	expected *build.MetadataVersion
}

func (r matchMetadataRecord) send(s build.Sink) {
	s.MatchMetadata(r.c, r.scenario, r.ref, r.expected)
}

// MatchMetadata implements [build.Sink].
func (t *Trace) MatchMetadata(c *build.Command, scenario build.Scenario, ref build.RefID, expected *build.MetadataVersion) {
	t.records = append(t.records, matchMetadataRecord{c, scenario, ref, expected})
}

type matchContentRecord struct {
	c        *build.Command
	scenario build.Scenario
	ref      build.RefID
	expected build.ContentVersion
}

func (r matchContentRecord) send(s build.Sink) {
	s.MatchContent(r.c, r.scenario, r.ref, r.expected)
}

// MatchContent implements [build.Sink].
func (t *Trace) MatchContent(c *build.Command, scenario build.Scenario, ref build.RefID, expected build.ContentVersion) {
	t.records = append(t.records, matchContentRecord{c, scenario, ref, expected})
}

type updateMetadataRecord struct {
	c   *build.Command
	ref build.RefID
	v   *build.MetadataVersion
}

func (r updateMetadataRecord) send(s build.Sink) { s.UpdateMetadata(r.c, r.ref, r.v) }

// UpdateMetadata implements [build.Sink].
func (t *Trace) UpdateMetadata(c *build.Command, ref build.RefID, v *build.MetadataVersion) {
	t.records = append(t.records, updateMetadataRecord{c, ref, v})
}

type updateContentRecord struct {
	c   *build.Command
	ref build.RefID
	v   build.ContentVersion
}

func (r updateContentRecord) send(s build.Sink) { s.UpdateContent(r.c, r.ref, r.v) }

// UpdateContent implements [build.Sink].
func (t *Trace) UpdateContent(c *build.Command, ref build.RefID, v build.ContentVersion) {
	t.records = append(t.records, updateContentRecord{c, ref, v})
}

type addEntryRecord struct {
	c      *build.Command
	dir    build.RefID
	name   string
	target build.RefID
}

func (r addEntryRecord) send(s build.Sink) { s.AddEntry(r.c, r.dir, r.name, r.target) }

// AddEntry implements [build.Sink].
func (t *Trace) AddEntry(c *build.Command, dir build.RefID, name string, target build.RefID) {
	t.records = append(t.records, addEntryRecord{c, dir, name, target})
}

type removeEntryRecord struct {
	c      *build.Command
	dir    build.RefID
	name   string
	target build.RefID
}

func (r removeEntryRecord) send(s build.Sink) { s.RemoveEntry(r.c, r.dir, r.name, r.target) }

// RemoveEntry implements [build.Sink].
func (t *Trace) RemoveEntry(c *build.Command, dir build.RefID, name string, target build.RefID) {
	t.records = append(t.records, removeEntryRecord{c, dir, name, target})
}

type launchRecord struct {
	c     *build.Command
	child *build.Command
	refs  []build.RefMapping
}

func (r launchRecord) send(s build.Sink) { s.Launch(r.c, r.child, r.refs) }

// Launch implements [build.Sink].
func (t *Trace) Launch(c *build.Command, child *build.Command, refs []build.RefMapping) {
	t.records = append(t.records, launchRecord{c, child, refs})
}

type joinRecord struct {
	c          *build.Command
	child      *build.Command
	exitStatus int
}

func (r joinRecord) send(s build.Sink) { s.Join(r.c, r.child, r.exitStatus) }

// Join implements [build.Sink].
func (t *Trace) Join(c *build.Command, child *build.Command, exitStatus int) {
	t.records = append(t.records, joinRecord{c, child, exitStatus})
}

type exitRecord struct {
	c          *build.Command
	exitStatus int
}

func (r exitRecord) send(s build.Sink) { s.Exit(r.c, r.exitStatus) }

// Exit implements [build.Sink].
func (t *Trace) Exit(c *build.Command, exitStatus int) {
	t.records = append(t.records, exitRecord{c, exitStatus})
}

// Finish implements [build.Sink]. Recording into memory has nothing to
// finalize.
func (t *Trace) Finish() error { return nil }

var _ build.Sink = (*Trace)(nil)

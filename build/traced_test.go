// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"os"
	"path/filepath"
	"testing"

	"rb.256lights.llc/pkg/internal/testcontext"
)

// countingSink tallies the steps another sink would record.
type countingSink struct {
	Discard
	matchContent  int
	updateContent int
	usingRef      int
}

func (cs *countingSink) MatchContent(*Command, Scenario, RefID, ContentVersion) {
	cs.matchContent++
}

func (cs *countingSink) UpdateContent(*Command, RefID, ContentVersion) {
	cs.updateContent++
}

func (cs *countingSink) UsingRef(*Command, RefID) {
	cs.usingRef++
}

func newTracedTest(t *testing.T, opts *Options) (*Build, *Command, *countingSink, string) {
	t.Helper()
	ctx, cancel := testcontext.New(t)
	t.Cleanup(cancel)

	cs := new(countingSink)
	b := New(ctx, NewEnv(testStore(t)), nil, nil, cs, nil, opts)
	c := NewCommand([]string{"writer"}, nil)
	c.SetExecuted()
	b.SpecialRef(c, SpecialRoot, RefRoot)

	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("seed"), 0o644); err != nil {
		t.Fatal(err)
	}
	return b, c, cs, path
}

func TestTraceCombinedWrites(t *testing.T) {
	b, c, cs, path := newTracedTest(t, nil)

	ref := b.TracePathRef(c, RefRoot, relToRoot(path), AccessFlags{Write: true})
	if !c.Ref(ref).Resolved() {
		t.Fatalf("resolve %s failed: %v", path, c.Ref(ref).Errno())
	}
	b.TraceUpdateContent(c, ref, NewFileVersion())
	b.TraceUpdateContent(c, ref, NewFileVersion())
	if cs.updateContent != 1 {
		t.Errorf("recorded %d UpdateContent steps; want 1", cs.updateContent)
	}

	// Once another command reads the artifact, a new write is recorded.
	reader := NewCommand([]string{"reader"}, nil)
	reader.SetExecuted()
	b.SpecialRef(reader, SpecialRoot, RefRoot)
	readerRef := b.TracePathRef(reader, RefRoot, relToRoot(path), ReadAccess())
	b.TraceMatchContent(reader, readerRef)
	b.TraceUpdateContent(c, ref, NewFileVersion())
	if cs.updateContent != 2 {
		t.Errorf("recorded %d UpdateContent steps after a read; want 2", cs.updateContent)
	}
}

func TestTraceUncombinedWrites(t *testing.T) {
	opts := DefaultOptions()
	opts.CombineWrites = false
	b, c, cs, path := newTracedTest(t, opts)

	ref := b.TracePathRef(c, RefRoot, relToRoot(path), AccessFlags{Write: true})
	b.TraceUpdateContent(c, ref, NewFileVersion())
	b.TraceUpdateContent(c, ref, NewFileVersion())
	if cs.updateContent != 2 {
		t.Errorf("recorded %d UpdateContent steps; want 2", cs.updateContent)
	}
}

func TestTraceIgnoresSelfReads(t *testing.T) {
	b, c, cs, path := newTracedTest(t, nil)

	ref := b.TracePathRef(c, RefRoot, relToRoot(path), ReadWriteAccess())
	b.TraceUpdateContent(c, ref, NewFileVersion())
	b.TraceMatchContent(c, ref)
	if cs.matchContent != 0 {
		t.Errorf("recorded %d MatchContent steps for a self-read; want 0", cs.matchContent)
	}
}

func TestTraceRecordsSelfReadsWhenConfigured(t *testing.T) {
	// Both eliders must be off to see a command's read of its own write:
	// the read filter also knows the writer observed its own value.
	opts := DefaultOptions()
	opts.IgnoreSelfReads = false
	opts.CombineReads = false
	b, c, cs, path := newTracedTest(t, opts)

	ref := b.TracePathRef(c, RefRoot, relToRoot(path), ReadWriteAccess())
	b.TraceUpdateContent(c, ref, NewFileVersion())
	b.TraceMatchContent(c, ref)
	if cs.matchContent != 1 {
		t.Errorf("recorded %d MatchContent steps; want 1", cs.matchContent)
	}
}

func TestTraceSelfReadSuppressionWinsOverDisabledCombine(t *testing.T) {
	opts := DefaultOptions()
	opts.CombineReads = false
	b, c, cs, path := newTracedTest(t, opts)

	ref := b.TracePathRef(c, RefRoot, relToRoot(path), ReadWriteAccess())
	b.TraceUpdateContent(c, ref, NewFileVersion())
	b.TraceMatchContent(c, ref)
	if cs.matchContent != 0 {
		t.Errorf("recorded %d MatchContent steps; want 0", cs.matchContent)
	}
}

func TestTraceCombinedReads(t *testing.T) {
	b, _, cs, path := newTracedTest(t, nil)

	reader := NewCommand([]string{"reader"}, nil)
	reader.SetExecuted()
	b.SpecialRef(reader, SpecialRoot, RefRoot)
	ref := b.TracePathRef(reader, RefRoot, relToRoot(path), ReadAccess())
	b.TraceMatchContent(reader, ref)
	b.TraceMatchContent(reader, ref)
	if cs.matchContent != 1 {
		t.Errorf("recorded %d MatchContent steps; want 1", cs.matchContent)
	}
}

func TestTraceUsingRefDeduplicates(t *testing.T) {
	b, c, cs, path := newTracedTest(t, nil)

	ref := b.TracePathRef(c, RefRoot, relToRoot(path), ReadAccess())
	b.TraceUsingRef(c, ref)
	b.TraceUsingRef(c, ref)
	if cs.usingRef != 1 {
		t.Errorf("recorded %d UsingRef steps; want 1", cs.usingRef)
	}
	b.TraceDoneWithRef(c, ref)
	b.TraceDoneWithRef(c, ref)
	if got := c.Ref(ref).Users(); got != 0 {
		t.Errorf("ref user count = %d; want 0", got)
	}
}

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package trace_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"rb.256lights.llc/pkg/build"
	"rb.256lights.llc/pkg/internal/cas"
	"rb.256lights.llc/pkg/sets"
	"rb.256lights.llc/pkg/trace"
)

// summarySink renders every step as a string with commands replaced by their
// first-seen index, so streams can be compared across a serialization
// round-trip.
type summarySink struct {
	steps []string
	ids   map[*build.Command]int
}

func newSummarySink() *summarySink {
	return &summarySink{ids: map[*build.Command]int{nil: -1}}
}

func (ss *summarySink) id(c *build.Command) int {
	id, ok := ss.ids[c]
	if !ok {
		id = len(ss.ids) - 1
		ss.ids[c] = id
	}
	return id
}

func (ss *summarySink) addf(format string, args ...any) {
	ss.steps = append(ss.steps, fmt.Sprintf(format, args...))
}

func describeContent(v build.ContentVersion) string {
	switch v := v.(type) {
	case *build.FileVersion:
		h, ok := v.Hash()
		if !ok {
			return fmt.Sprintf("file(empty=%t)", v.Empty())
		}
		return fmt.Sprintf("file(%s cached=%t)", h.Hex()[:8], v.Cached())
	case *build.SymlinkVersion:
		return fmt.Sprintf("symlink(%s)", v.Target)
	case *build.DirListVersion:
		names := make([]string, 0, v.Names.Len())
		for name := range v.Names.All() {
			names = append(names, name)
		}
		return fmt.Sprintf("dir(%v baseline=%t)", len(names), v.Baseline)
	case *build.PipeWriteVersion:
		return "pipeWrite"
	case *build.PipeCloseVersion:
		return "pipeClose"
	case *build.PipeReadVersion:
		return fmt.Sprintf("pipeRead(%d)", v.Writes)
	default:
		return fmt.Sprintf("%T", v)
	}
}

func (ss *summarySink) SpecialRef(c *build.Command, entity build.SpecialEntity, output build.RefID) {
	ss.addf("specialRef c%d %v -> r%d", ss.id(c), entity, output)
}

func (ss *summarySink) PipeRef(c *build.Command, readEnd, writeEnd build.RefID) {
	ss.addf("pipeRef c%d -> r%d r%d", ss.id(c), readEnd, writeEnd)
}

func (ss *summarySink) FileRef(c *build.Command, mode uint32, output build.RefID) {
	ss.addf("fileRef c%d %o -> r%d", ss.id(c), mode, output)
}

func (ss *summarySink) SymlinkRef(c *build.Command, target string, output build.RefID) {
	ss.addf("symlinkRef c%d %s -> r%d", ss.id(c), target, output)
}

func (ss *summarySink) DirRef(c *build.Command, mode uint32, output build.RefID) {
	ss.addf("dirRef c%d %o -> r%d", ss.id(c), mode, output)
}

func (ss *summarySink) PathRef(c *build.Command, base build.RefID, path string, flags build.AccessFlags, output build.RefID) {
	ss.addf("pathRef c%d r%d %s %v -> r%d", ss.id(c), base, path, flags, output)
}

func (ss *summarySink) UsingRef(c *build.Command, ref build.RefID) {
	ss.addf("usingRef c%d r%d", ss.id(c), ref)
}

func (ss *summarySink) DoneWithRef(c *build.Command, ref build.RefID) {
	ss.addf("doneWithRef c%d r%d", ss.id(c), ref)
}

func (ss *summarySink) CompareRefs(c *build.Command, ref1, ref2 build.RefID, typ build.RefComparison) {
	ss.addf("compareRefs c%d r%d r%d %v", ss.id(c), ref1, ref2, typ)
}

func (ss *summarySink) ExpectResult(c *build.Command, scenario build.Scenario, ref build.RefID, expected unix.Errno) {
	ss.addf("expectResult c%d %v r%d %d", ss.id(c), scenario, ref, int(expected))
}

func (ss *summarySink) MatchMetadata(c *build.Command, scenario build.Scenario, ref build.RefID, expected *build.MetadataVersion) {
	ss.addf("matchMetadata c%d %v r%d %d:%d:%o", ss.id(c), scenario, ref, expected.UID, expected.GID, expected.Mode)
}

func (ss *summarySink) MatchContent(c *build.Command, scenario build.Scenario, ref build.RefID, expected build.ContentVersion) {
	ss.addf("matchContent c%d %v r%d %s", ss.id(c), scenario, ref, describeContent(expected))
}

func (ss *summarySink) UpdateMetadata(c *build.Command, ref build.RefID, v *build.MetadataVersion) {
	ss.addf("updateMetadata c%d r%d %d:%d:%o", ss.id(c), ref, v.UID, v.GID, v.Mode)
}

func (ss *summarySink) UpdateContent(c *build.Command, ref build.RefID, v build.ContentVersion) {
	ss.addf("updateContent c%d r%d %s", ss.id(c), ref, describeContent(v))
}

func (ss *summarySink) AddEntry(c *build.Command, dir build.RefID, name string, target build.RefID) {
	ss.addf("addEntry c%d r%d %s r%d", ss.id(c), dir, name, target)
}

func (ss *summarySink) RemoveEntry(c *build.Command, dir build.RefID, name string, target build.RefID) {
	ss.addf("removeEntry c%d r%d %s r%d", ss.id(c), dir, name, target)
}

func (ss *summarySink) Launch(c *build.Command, child *build.Command, refs []build.RefMapping) {
	ss.addf("launch c%d c%d (args=%v executed=%t) %v", ss.id(c), ss.id(child), child.Args(), child.Executed(), refs)
}

func (ss *summarySink) Join(c *build.Command, child *build.Command, exitStatus int) {
	ss.addf("join c%d c%d %d", ss.id(c), ss.id(child), exitStatus)
}

func (ss *summarySink) Exit(c *build.Command, exitStatus int) {
	ss.addf("exit c%d %d", ss.id(c), exitStatus)
}

func (ss *summarySink) Finish() error {
	ss.steps = append(ss.steps, "finish")
	return nil
}

var _ build.Sink = (*summarySink)(nil)

// emptyTime is the zero mtime used for restored versions in tests.
var emptyTime time.Time

// sampleTrace builds a trace exercising every record kind.
func sampleTrace() *trace.Trace {
	root := build.NewCommand([]string{"sh", "Buildfile"}, map[int]build.FileDescriptor{
		0: {Ref: build.RefStdin},
		1: {Ref: build.RefStdout, Write: true},
	})
	root.SetExecuted()
	cc := build.NewCommand([]string{"cc", "-c", "foo.c"}, nil)
	cc.SetExecuted()

	h := cas.Hash{0xab, 0xcd}
	t := new(trace.Trace)
	t.SpecialRef(root, build.SpecialRoot, build.RefRoot)
	t.SpecialRef(root, build.SpecialCWD, build.RefCWD)
	t.PipeRef(root, 6, 7)
	t.FileRef(root, 0o600, 8)
	t.SymlinkRef(root, "target/path", 9)
	t.DirRef(root, 0o755, 10)
	t.UsingRef(root, 6)
	t.Launch(root, cc, []build.RefMapping{
		{Parent: build.RefRoot, Child: build.RefRoot},
		{Parent: 6, Child: build.RefStdin},
	})
	t.PathRef(cc, build.RefRoot, "src/foo.c", build.AccessFlags{Read: true}, 6)
	t.ExpectResult(cc, build.ScenarioBuild, 6, 0)
	t.MatchMetadata(cc, build.ScenarioBuild, 6, build.NewMetadataVersion(1000, 1000, 0o644))
	t.MatchContent(cc, build.ScenarioBuild, 6, build.RestoreFileVersion(&h, emptyTime, false, true))
	t.PathRef(cc, build.RefRoot, "out/foo.o", build.AccessFlags{Write: true, Create: true, Mode: 0o644}, 7)
	t.ExpectResult(cc, build.ScenarioBuild, 7, unix.ENOENT)
	t.UpdateMetadata(cc, 7, build.NewMetadataVersion(1000, 1000, 0o644))
	t.UpdateContent(cc, 7, build.EmptyFileVersion())
	t.UpdateContent(cc, 7, build.NewDirListVersion(sets.New("a", "b"), true))
	t.UpdateContent(cc, 7, build.NewSymlinkVersion("elsewhere"))
	t.UpdateContent(cc, 7, new(build.PipeWriteVersion))
	t.UpdateContent(cc, 7, new(build.PipeCloseVersion))
	t.UpdateContent(cc, 7, &build.PipeReadVersion{Writes: 2})
	t.AddEntry(cc, build.RefRoot, "foo.o", 7)
	t.RemoveEntry(cc, build.RefRoot, "foo.bak", 7)
	t.CompareRefs(cc, 6, 7, build.DifferentInstances)
	t.DoneWithRef(cc, 6)
	t.Exit(cc, 0)
	t.Join(root, cc, 0)
	t.Exit(root, 2)
	return t
}

func summarize(t *testing.T, tr *trace.Trace) []string {
	t.Helper()
	ss := newSummarySink()
	if err := tr.SendTo(ss); err != nil {
		t.Fatal(err)
	}
	return ss.steps
}

func roundTrip(t *testing.T, tr *trace.Trace, compress bool) *trace.Trace {
	t.Helper()
	buf := new(bytes.Buffer)
	id := uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef")
	w, err := trace.NewWriter(buf, id, compress)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.SendTo(w); err != nil {
		t.Fatal(err)
	}
	got, gotID, err := trace.Load(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id {
		t.Errorf("build ID = %v; want %v", gotID, id)
	}
	return got
}

func TestRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "Raw"
		if compress {
			name = "Compressed"
		}
		t.Run(name, func(t *testing.T) {
			original := sampleTrace()
			want := summarize(t, original)
			loaded := roundTrip(t, original, compress)
			got := summarize(t, loaded)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("steps after round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTripTwice(t *testing.T) {
	// A second round trip is the identity: command IDs are already
	// canonical.
	first := roundTrip(t, sampleTrace(), false)
	second := roundTrip(t, first, false)
	if diff := cmp.Diff(summarize(t, first), summarize(t, second)); diff != "" {
		t.Errorf("second round trip not the identity (-first +second):\n%s", diff)
	}
}

func TestLoadBadMagic(t *testing.T) {
	data := []byte{0xad, 0xde, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}
	data = append(data, make([]byte, 16)...)
	_, _, err := trace.Load(bytes.NewReader(data))
	if !errors.Is(err, trace.ErrInvalidTrace) {
		t.Errorf("Load with bad magic = %v; want ErrInvalidTrace", err)
	}
}

func TestLoadTruncated(t *testing.T) {
	// A header with no end record cannot be used.
	buf := new(bytes.Buffer)
	w, err := trace.NewWriter(buf, uuid.Nil, false)
	if err != nil {
		t.Fatal(err)
	}
	// Flush the header without finishing.
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	_, _, err = trace.Load(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, trace.ErrInvalidTrace) {
		t.Errorf("Load of truncated trace = %v; want ErrInvalidTrace", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := trace.LoadFile(t.TempDir() + "/nope")
	if !errors.Is(err, trace.ErrInvalidTrace) {
		t.Errorf("LoadFile of missing file = %v; want ErrInvalidTrace", err)
	}
}

func TestDefaultTrace(t *testing.T) {
	tr := trace.Default(nil)
	steps := summarize(t, tr)
	if len(steps) == 0 {
		t.Fatal("default trace is empty")
	}
	var sawLaunch bool
	for _, s := range steps {
		if s == fmt.Sprintf("launch c0 c1 (args=[/bin/sh %s] executed=false) %v", trace.DefaultBuildFile, []build.RefMapping{
			{Parent: build.RefRoot, Child: build.RefRoot},
			{Parent: build.RefCWD, Child: build.RefCWD},
			{Parent: build.RefExe, Child: build.RefExe},
			{Parent: build.RefStdin, Child: build.RefStdin},
			{Parent: build.RefStdout, Child: build.RefStdout},
			{Parent: build.RefStderr, Child: build.RefStderr},
		}) {
			sawLaunch = true
		}
	}
	if !sawLaunch {
		t.Errorf("default trace does not launch the build script; steps:\n%v", steps)
	}

	// The default trace survives a round trip too.
	loaded := roundTrip(t, tr, false)
	if diff := cmp.Diff(summarize(t, tr), summarize(t, loaded)); diff != "" {
		t.Errorf("default trace round trip (-want +got):\n%s", diff)
	}
}

func TestLiveHashes(t *testing.T) {
	tr := sampleTrace()
	live := tr.LiveHashes()
	want := cas.Hash{0xab, 0xcd}
	if !live.Has(want) {
		t.Errorf("LiveHashes missing %s", want.Hex()[:8])
	}
	if live.Len() != 1 {
		t.Errorf("LiveHashes has %d entries; want 1", live.Len())
	}
}

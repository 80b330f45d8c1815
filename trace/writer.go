// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/dsnet/compress/bzip2"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"rb.256lights.llc/pkg/build"
	"rb.256lights.llc/pkg/internal/xmaps"
)

// Record type tags. The tag order is part of the format.
const (
	tagEnd byte = iota
	tagCommand
	tagSpecialRef
	tagPipeRef
	tagFileRef
	tagSymlinkRef
	tagDirRef
	tagPathRef
	tagUsingRef
	tagDoneWithRef
	tagCompareRefs
	tagExpectResult
	tagMatchMetadata
	tagMatchContent
	tagUpdateMetadata
	tagUpdateContent
	tagAddEntry
	tagRemoveEntry
	tagLaunch
	tagJoin
	tagExit
)

// Version type tags, embedded inside match and update records.
const (
	tagMetadataVersion byte = 0x40 + iota
	tagFileVersion
	tagSymlinkVersion
	tagDirListVersion
	tagPipeWriteVersion
	tagPipeCloseVersion
	tagPipeReadVersion
)

// FileVersion payload flag bits.
const (
	fileVersionEmpty byte = 1 << iota
	fileVersionHasHash
	fileVersionCached
)

// A Writer serializes a step stream to a trace file.
// Writer implements [build.Sink]; command IDs are assigned on first mention
// and a command record is emitted before any step that names the command.
type Writer struct {
	w   *bufio.Writer
	bz  *bzip2.Writer
	ids map[*build.Command]uint64
	err error

	var64 [binary.MaxVarintLen64]byte
}

// NewWriter returns a writer that serializes to w, writing the file header
// immediately. If compress is true the stream is bzip2-compressed; [Load]
// detects either form.
func NewWriter(w io.Writer, buildID uuid.UUID, compress bool) (*Writer, error) {
	tw := &Writer{
		ids: map[*build.Command]uint64{nil: 0},
	}
	if compress {
		bz, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return nil, fmt.Errorf("write trace: %v", err)
		}
		tw.bz = bz
		tw.w = bufio.NewWriter(bz)
	} else {
		tw.w = bufio.NewWriter(w)
	}

	var header [16]byte
	binary.LittleEndian.PutUint64(header[:8], Magic)
	binary.LittleEndian.PutUint64(header[8:], FormatVersion)
	if _, err := tw.w.Write(header[:]); err != nil {
		return nil, fmt.Errorf("write trace: %v", err)
	}
	if _, err := tw.w.Write(buildID[:]); err != nil {
		return nil, fmt.Errorf("write trace: %v", err)
	}
	return tw, nil
}

func (tw *Writer) setErr(err error) {
	if tw.err == nil && err != nil {
		tw.err = fmt.Errorf("write trace: %v", err)
	}
}

func (tw *Writer) writeByte(b byte) {
	tw.setErr(tw.w.WriteByte(b))
}

func (tw *Writer) writeUvarint(x uint64) {
	n := binary.PutUvarint(tw.var64[:], x)
	_, err := tw.w.Write(tw.var64[:n])
	tw.setErr(err)
}

func (tw *Writer) writeVarint(x int64) {
	n := binary.PutVarint(tw.var64[:], x)
	_, err := tw.w.Write(tw.var64[:n])
	tw.setErr(err)
}

func (tw *Writer) writeUint32(x uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], x)
	_, err := tw.w.Write(buf[:])
	tw.setErr(err)
}

func (tw *Writer) writeBool(b bool) {
	if b {
		tw.writeByte(1)
	} else {
		tw.writeByte(0)
	}
}

func (tw *Writer) writeString(s string) {
	tw.writeUvarint(uint64(len(s)))
	_, err := tw.w.WriteString(s)
	tw.setErr(err)
}

func (tw *Writer) writeRef(id build.RefID) {
	tw.writeUvarint(uint64(id))
}

func (tw *Writer) writeFlags(f build.AccessFlags) {
	var bits uint64
	for i, set := range []bool{
		f.Read, f.Write, f.Execute,
		f.Create, f.Exclusive, f.NoFollow, f.Truncate, f.Directory, f.Append,
	} {
		if set {
			bits |= 1 << i
		}
	}
	tw.writeUvarint(bits)
	tw.writeUint32(f.Mode)
}

// commandID returns the ID for c, emitting a command record on first
// mention.
func (tw *Writer) commandID(c *build.Command) uint64 {
	if id, ok := tw.ids[c]; ok {
		return id
	}
	id := uint64(len(tw.ids))
	tw.ids[c] = id

	tw.writeByte(tagCommand)
	tw.writeUvarint(id)
	tw.writeBool(c.Executed())
	args := c.Args()
	tw.writeUvarint(uint64(len(args)))
	for _, arg := range args {
		tw.writeString(arg)
	}
	fds := c.InitialFDs()
	tw.writeUvarint(uint64(len(fds)))
	for _, fd := range xmaps.SortedKeys(fds) {
		desc := fds[fd]
		tw.writeVarint(int64(fd))
		tw.writeRef(desc.Ref)
		tw.writeBool(desc.Write)
	}
	return id
}

func (tw *Writer) writeMetadataVersion(mv *build.MetadataVersion) {
	tw.writeByte(tagMetadataVersion)
	tw.writeUint32(mv.UID)
	tw.writeUint32(mv.GID)
	tw.writeUint32(mv.Mode)
}

func (tw *Writer) writeContentVersion(cv build.ContentVersion) {
	switch cv := cv.(type) {
	case *build.FileVersion:
		tw.writeByte(tagFileVersion)
		var flags byte
		if cv.Empty() {
			flags |= fileVersionEmpty
		}
		h, hasHash := cv.Hash()
		if hasHash {
			flags |= fileVersionHasHash
		}
		if cv.Cached() {
			flags |= fileVersionCached
		}
		tw.writeByte(flags)
		if hasHash {
			_, err := tw.w.Write(h[:])
			tw.setErr(err)
			tw.writeVarint(cv.MTime().Unix())
			tw.writeUvarint(uint64(cv.MTime().Nanosecond()))
		}
	case *build.SymlinkVersion:
		tw.writeByte(tagSymlinkVersion)
		tw.writeString(cv.Target)
	case *build.DirListVersion:
		tw.writeByte(tagDirListVersion)
		tw.writeBool(cv.Baseline)
		names := make([]string, 0, cv.Names.Len())
		for name := range cv.Names.All() {
			names = append(names, name)
		}
		slices.Sort(names)
		tw.writeUvarint(uint64(len(names)))
		for _, name := range names {
			tw.writeString(name)
		}
	case *build.PipeWriteVersion:
		tw.writeByte(tagPipeWriteVersion)
	case *build.PipeCloseVersion:
		tw.writeByte(tagPipeCloseVersion)
	case *build.PipeReadVersion:
		tw.writeByte(tagPipeReadVersion)
		tw.writeUvarint(uint64(cv.Writes))
	default:
		tw.setErr(fmt.Errorf("unknown content version %T", cv))
	}
}

// SpecialRef implements [build.Sink].
func (tw *Writer) SpecialRef(c *build.Command, entity build.SpecialEntity, output build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagSpecialRef)
	tw.writeUvarint(id)
	tw.writeByte(byte(entity))
	tw.writeRef(output)
}

// PipeRef implements [build.Sink].
func (tw *Writer) PipeRef(c *build.Command, readEnd, writeEnd build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagPipeRef)
	tw.writeUvarint(id)
	tw.writeRef(readEnd)
	tw.writeRef(writeEnd)
}

// FileRef implements [build.Sink].
func (tw *Writer) FileRef(c *build.Command, mode uint32, output build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagFileRef)
	tw.writeUvarint(id)
	tw.writeUint32(mode)
	tw.writeRef(output)
}

// SymlinkRef implements [build.Sink].
func (tw *Writer) SymlinkRef(c *build.Command, target string, output build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagSymlinkRef)
	tw.writeUvarint(id)
	tw.writeString(target)
	tw.writeRef(output)
}

// DirRef implements [build.Sink].
func (tw *Writer) DirRef(c *build.Command, mode uint32, output build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagDirRef)
	tw.writeUvarint(id)
	tw.writeUint32(mode)
	tw.writeRef(output)
}

// PathRef implements [build.Sink].
func (tw *Writer) PathRef(c *build.Command, base build.RefID, path string, flags build.AccessFlags, output build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagPathRef)
	tw.writeUvarint(id)
	tw.writeRef(base)
	tw.writeString(path)
	tw.writeFlags(flags)
	tw.writeRef(output)
}

// UsingRef implements [build.Sink].
func (tw *Writer) UsingRef(c *build.Command, ref build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagUsingRef)
	tw.writeUvarint(id)
	tw.writeRef(ref)
}

// DoneWithRef implements [build.Sink].
func (tw *Writer) DoneWithRef(c *build.Command, ref build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagDoneWithRef)
	tw.writeUvarint(id)
	tw.writeRef(ref)
}

// CompareRefs implements [build.Sink].
func (tw *Writer) CompareRefs(c *build.Command, ref1, ref2 build.RefID, typ build.RefComparison) {
	id := tw.commandID(c)
	tw.writeByte(tagCompareRefs)
	tw.writeUvarint(id)
	tw.writeRef(ref1)
	tw.writeRef(ref2)
	tw.writeByte(byte(typ))
}

// ExpectResult implements [build.Sink].
func (tw *Writer) ExpectResult(c *build.Command, scenario build.Scenario, ref build.RefID, expected unix.Errno) {
	id := tw.commandID(c)
	tw.writeByte(tagExpectResult)
	tw.writeUvarint(id)
	tw.writeByte(byte(scenario))
	tw.writeRef(ref)
	tw.writeUvarint(uint64(expected))
}

// MatchMetadata implements [build.Sink].
func (tw *Writer) MatchMetadata(c *build.Command, scenario build.Scenario, ref build.RefID, expected *build.MetadataVersion) {
	id := tw.commandID(c)
	tw.writeByte(tagMatchMetadata)
	tw.writeUvarint(id)
	tw.writeByte(byte(scenario))
	tw.writeRef(ref)
	tw.writeMetadataVersion(expected)
}

// MatchContent implements [build.Sink].
func (tw *Writer) MatchContent(c *build.Command, scenario build.Scenario, ref build.RefID, expected build.ContentVersion) {
	id := tw.commandID(c)
	tw.writeByte(tagMatchContent)
	tw.writeUvarint(id)
	tw.writeByte(byte(scenario))
	tw.writeRef(ref)
	tw.writeContentVersion(expected)
}

// UpdateMetadata implements [build.Sink].
func (tw *Writer) UpdateMetadata(c *build.Command, ref build.RefID, v *build.MetadataVersion) {
	id := tw.commandID(c)
	tw.writeByte(tagUpdateMetadata)
	tw.writeUvarint(id)
	tw.writeRef(ref)
	tw.writeMetadataVersion(v)
}

// UpdateContent implements [build.Sink].
func (tw *Writer) UpdateContent(c *build.Command, ref build.RefID, v build.ContentVersion) {
	id := tw.commandID(c)
	tw.writeByte(tagUpdateContent)
	tw.writeUvarint(id)
	tw.writeRef(ref)
	tw.writeContentVersion(v)
}

// AddEntry implements [build.Sink].
func (tw *Writer) AddEntry(c *build.Command, dir build.RefID, name string, target build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagAddEntry)
	tw.writeUvarint(id)
	tw.writeRef(dir)
	tw.writeString(name)
	tw.writeRef(target)
}

// RemoveEntry implements [build.Sink].
func (tw *Writer) RemoveEntry(c *build.Command, dir build.RefID, name string, target build.RefID) {
	id := tw.commandID(c)
	tw.writeByte(tagRemoveEntry)
	tw.writeUvarint(id)
	tw.writeRef(dir)
	tw.writeString(name)
	tw.writeRef(target)
}

// Launch implements [build.Sink].
func (tw *Writer) Launch(c *build.Command, child *build.Command, refs []build.RefMapping) {
	id := tw.commandID(c)
	childID := tw.commandID(child)
	tw.writeByte(tagLaunch)
	tw.writeUvarint(id)
	tw.writeUvarint(childID)
	tw.writeUvarint(uint64(len(refs)))
	for _, m := range refs {
		tw.writeRef(m.Parent)
		tw.writeRef(m.Child)
	}
}

// Join implements [build.Sink].
func (tw *Writer) Join(c *build.Command, child *build.Command, exitStatus int) {
	id := tw.commandID(c)
	childID := tw.commandID(child)
	tw.writeByte(tagJoin)
	tw.writeUvarint(id)
	tw.writeUvarint(childID)
	tw.writeVarint(int64(exitStatus))
}

// Exit implements [build.Sink].
func (tw *Writer) Exit(c *build.Command, exitStatus int) {
	id := tw.commandID(c)
	tw.writeByte(tagExit)
	tw.writeUvarint(id)
	tw.writeVarint(int64(exitStatus))
}

// Flush writes buffered records to the underlying writer without ending the
// trace.
func (tw *Writer) Flush() error {
	tw.setErr(tw.w.Flush())
	return tw.err
}

// Finish implements [build.Sink]: it writes the end record and flushes.
func (tw *Writer) Finish() error {
	tw.writeByte(tagEnd)
	tw.setErr(tw.w.Flush())
	if tw.bz != nil {
		tw.setErr(tw.bz.Close())
	}
	return tw.err
}

var _ build.Sink = (*Writer)(nil)

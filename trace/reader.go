// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"rb.256lights.llc/pkg/build"
	"rb.256lights.llc/pkg/internal/cas"
	"rb.256lights.llc/pkg/sets"
)

// LoadFile opens and parses a trace file.
// A missing, truncated, or incompatible file reports [ErrInvalidTrace].
func LoadFile(path string) (*Trace, uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("load trace: %w: %v", ErrInvalidTrace, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a trace stream, detecting bzip2 compression automatically.
func Load(r io.Reader) (*Trace, uuid.UUID, error) {
	br := bufio.NewReader(r)
	if sig, err := br.Peek(3); err == nil && string(sig) == "BZh" {
		z, err := bzip2.NewReader(br, nil)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("load trace: %w: %v", ErrInvalidTrace, err)
		}
		br = bufio.NewReader(z)
	}

	tr := &reader{
		br:       br,
		commands: map[uint64]*build.Command{0: nil},
		t:        new(Trace),
	}
	id, err := tr.run()
	if err != nil {
		return nil, uuid.Nil, err
	}
	return tr.t, id, nil
}

type reader struct {
	br       *bufio.Reader
	commands map[uint64]*build.Command
	t        *Trace
}

func (tr *reader) run() (uuid.UUID, error) {
	var header [16]byte
	if _, err := io.ReadFull(tr.br, header[:]); err != nil {
		return uuid.Nil, fmt.Errorf("load trace: %w: short header", ErrInvalidTrace)
	}
	if got := binary.LittleEndian.Uint64(header[:8]); got != Magic {
		return uuid.Nil, fmt.Errorf("load trace: %w: bad magic %#x", ErrInvalidTrace, got)
	}
	if got := binary.LittleEndian.Uint64(header[8:]); got != FormatVersion {
		return uuid.Nil, fmt.Errorf("load trace: %w: format version %d (want %d)", ErrInvalidTrace, got, FormatVersion)
	}
	var rawID [16]byte
	if _, err := io.ReadFull(tr.br, rawID[:]); err != nil {
		return uuid.Nil, fmt.Errorf("load trace: %w: short header", ErrInvalidTrace)
	}
	buildID, err := uuid.FromBytes(rawID[:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("load trace: %w: %v", ErrInvalidTrace, err)
	}

	for {
		done, err := tr.readRecord()
		if err != nil {
			return uuid.Nil, err
		}
		if done {
			return buildID, nil
		}
	}
}

func (tr *reader) invalid(what string, err error) error {
	if err != nil {
		return fmt.Errorf("load trace: %w: %s: %v", ErrInvalidTrace, what, err)
	}
	return fmt.Errorf("load trace: %w: %s", ErrInvalidTrace, what)
}

func (tr *reader) readByte() (byte, error) {
	return tr.br.ReadByte()
}

func (tr *reader) readUvarint() (uint64, error) {
	return binary.ReadUvarint(tr.br)
}

func (tr *reader) readVarint() (int64, error) {
	return binary.ReadVarint(tr.br)
}

func (tr *reader) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(tr.br, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (tr *reader) readBool() (bool, error) {
	b, err := tr.br.ReadByte()
	return b != 0, err
}

func (tr *reader) readString() (string, error) {
	n, err := tr.readUvarint()
	if err != nil {
		return "", err
	}
	if n > math.MaxInt32 {
		return "", fmt.Errorf("string of %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(tr.br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (tr *reader) readRef() (build.RefID, error) {
	x, err := tr.readUvarint()
	return build.RefID(x), err
}

func (tr *reader) readFlags() (build.AccessFlags, error) {
	bits, err := tr.readUvarint()
	if err != nil {
		return build.AccessFlags{}, err
	}
	mode, err := tr.readUint32()
	if err != nil {
		return build.AccessFlags{}, err
	}
	f := build.AccessFlags{Mode: mode}
	for i, dst := range []*bool{
		&f.Read, &f.Write, &f.Execute,
		&f.Create, &f.Exclusive, &f.NoFollow, &f.Truncate, &f.Directory, &f.Append,
	} {
		*dst = bits&(1<<i) != 0
	}
	return f, nil
}

func (tr *reader) readCommand() (*build.Command, error) {
	id, err := tr.readUvarint()
	if err != nil {
		return nil, err
	}
	c, ok := tr.commands[id]
	if !ok {
		return nil, fmt.Errorf("unknown command %d", id)
	}
	return c, nil
}

func (tr *reader) readMetadataVersion() (*build.MetadataVersion, error) {
	tag, err := tr.readByte()
	if err != nil {
		return nil, err
	}
	if tag != tagMetadataVersion {
		return nil, fmt.Errorf("unexpected version tag %#x", tag)
	}
	uid, err := tr.readUint32()
	if err != nil {
		return nil, err
	}
	gid, err := tr.readUint32()
	if err != nil {
		return nil, err
	}
	mode, err := tr.readUint32()
	if err != nil {
		return nil, err
	}
	return build.NewMetadataVersion(uid, gid, mode), nil
}

func (tr *reader) readContentVersion() (build.ContentVersion, error) {
	tag, err := tr.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagFileVersion:
		flags, err := tr.readByte()
		if err != nil {
			return nil, err
		}
		var h *cas.Hash
		var mtime time.Time
		if flags&fileVersionHasHash != 0 {
			var raw cas.Hash
			if _, err := io.ReadFull(tr.br, raw[:]); err != nil {
				return nil, err
			}
			h = &raw
			sec, err := tr.readVarint()
			if err != nil {
				return nil, err
			}
			nsec, err := tr.readUvarint()
			if err != nil {
				return nil, err
			}
			mtime = time.Unix(sec, int64(nsec))
		}
		return build.RestoreFileVersion(h, mtime, flags&fileVersionEmpty != 0, flags&fileVersionCached != 0), nil
	case tagSymlinkVersion:
		target, err := tr.readString()
		if err != nil {
			return nil, err
		}
		return build.NewSymlinkVersion(target), nil
	case tagDirListVersion:
		baseline, err := tr.readBool()
		if err != nil {
			return nil, err
		}
		n, err := tr.readUvarint()
		if err != nil {
			return nil, err
		}
		names := make(sets.Set[string])
		for range n {
			name, err := tr.readString()
			if err != nil {
				return nil, err
			}
			names.Add(name)
		}
		return build.NewDirListVersion(names, baseline), nil
	case tagPipeWriteVersion:
		return new(build.PipeWriteVersion), nil
	case tagPipeCloseVersion:
		return new(build.PipeCloseVersion), nil
	case tagPipeReadVersion:
		writes, err := tr.readUvarint()
		if err != nil {
			return nil, err
		}
		return &build.PipeReadVersion{Writes: int(writes)}, nil
	default:
		return nil, fmt.Errorf("unknown version tag %#x", tag)
	}
}

// readRecord parses one record, reporting whether it was the end record.
func (tr *reader) readRecord() (done bool, err error) {
	tag, err := tr.readByte()
	if err != nil {
		return false, tr.invalid("truncated before end record", nil)
	}
	switch tag {
	case tagEnd:
		return true, nil

	case tagCommand:
		id, err := tr.readUvarint()
		if err != nil {
			return false, tr.invalid("command record", err)
		}
		executed, err := tr.readBool()
		if err != nil {
			return false, tr.invalid("command record", err)
		}
		argc, err := tr.readUvarint()
		if err != nil {
			return false, tr.invalid("command record", err)
		}
		args := make([]string, 0, argc)
		for range argc {
			arg, err := tr.readString()
			if err != nil {
				return false, tr.invalid("command record", err)
			}
			args = append(args, arg)
		}
		nfds, err := tr.readUvarint()
		if err != nil {
			return false, tr.invalid("command record", err)
		}
		fds := make(map[int]build.FileDescriptor, nfds)
		for range nfds {
			fd, err := tr.readVarint()
			if err != nil {
				return false, tr.invalid("command record", err)
			}
			ref, err := tr.readRef()
			if err != nil {
				return false, tr.invalid("command record", err)
			}
			write, err := tr.readBool()
			if err != nil {
				return false, tr.invalid("command record", err)
			}
			fds[int(fd)] = build.FileDescriptor{Ref: ref, Write: write}
		}
		c := build.NewCommand(args, fds)
		if executed {
			c.SetExecuted()
		}
		tr.commands[id] = c
		return false, nil

	case tagSpecialRef:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("special ref", err)
		}
		entity, err := tr.readByte()
		if err != nil {
			return false, tr.invalid("special ref", err)
		}
		output, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("special ref", err)
		}
		tr.t.SpecialRef(c, build.SpecialEntity(entity), output)
		return false, nil

	case tagPipeRef:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("pipe ref", err)
		}
		readEnd, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("pipe ref", err)
		}
		writeEnd, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("pipe ref", err)
		}
		tr.t.PipeRef(c, readEnd, writeEnd)
		return false, nil

	case tagFileRef:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("file ref", err)
		}
		mode, err := tr.readUint32()
		if err != nil {
			return false, tr.invalid("file ref", err)
		}
		output, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("file ref", err)
		}
		tr.t.FileRef(c, mode, output)
		return false, nil

	case tagSymlinkRef:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("symlink ref", err)
		}
		target, err := tr.readString()
		if err != nil {
			return false, tr.invalid("symlink ref", err)
		}
		output, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("symlink ref", err)
		}
		tr.t.SymlinkRef(c, target, output)
		return false, nil

	case tagDirRef:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("dir ref", err)
		}
		mode, err := tr.readUint32()
		if err != nil {
			return false, tr.invalid("dir ref", err)
		}
		output, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("dir ref", err)
		}
		tr.t.DirRef(c, mode, output)
		return false, nil

	case tagPathRef:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("path ref", err)
		}
		base, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("path ref", err)
		}
		path, err := tr.readString()
		if err != nil {
			return false, tr.invalid("path ref", err)
		}
		flags, err := tr.readFlags()
		if err != nil {
			return false, tr.invalid("path ref", err)
		}
		output, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("path ref", err)
		}
		tr.t.PathRef(c, base, path, flags, output)
		return false, nil

	case tagUsingRef, tagDoneWithRef:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("ref lifecycle", err)
		}
		ref, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("ref lifecycle", err)
		}
		if tag == tagUsingRef {
			tr.t.UsingRef(c, ref)
		} else {
			tr.t.DoneWithRef(c, ref)
		}
		return false, nil

	case tagCompareRefs:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("compare refs", err)
		}
		ref1, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("compare refs", err)
		}
		ref2, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("compare refs", err)
		}
		typ, err := tr.readByte()
		if err != nil {
			return false, tr.invalid("compare refs", err)
		}
		tr.t.CompareRefs(c, ref1, ref2, build.RefComparison(typ))
		return false, nil

	case tagExpectResult:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("expect result", err)
		}
		scenario, err := tr.readByte()
		if err != nil {
			return false, tr.invalid("expect result", err)
		}
		ref, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("expect result", err)
		}
		expected, err := tr.readUvarint()
		if err != nil {
			return false, tr.invalid("expect result", err)
		}
		tr.t.ExpectResult(c, build.Scenario(scenario), ref, unix.Errno(expected))
		return false, nil

	case tagMatchMetadata:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("match metadata", err)
		}
		scenario, err := tr.readByte()
		if err != nil {
			return false, tr.invalid("match metadata", err)
		}
		ref, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("match metadata", err)
		}
		mv, err := tr.readMetadataVersion()
		if err != nil {
			return false, tr.invalid("match metadata", err)
		}
		tr.t.MatchMetadata(c, build.Scenario(scenario), ref, mv)
		return false, nil

	case tagMatchContent:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("match content", err)
		}
		scenario, err := tr.readByte()
		if err != nil {
			return false, tr.invalid("match content", err)
		}
		ref, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("match content", err)
		}
		cv, err := tr.readContentVersion()
		if err != nil {
			return false, tr.invalid("match content", err)
		}
		tr.t.MatchContent(c, build.Scenario(scenario), ref, cv)
		return false, nil

	case tagUpdateMetadata:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("update metadata", err)
		}
		ref, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("update metadata", err)
		}
		mv, err := tr.readMetadataVersion()
		if err != nil {
			return false, tr.invalid("update metadata", err)
		}
		tr.t.UpdateMetadata(c, ref, mv)
		return false, nil

	case tagUpdateContent:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("update content", err)
		}
		ref, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("update content", err)
		}
		cv, err := tr.readContentVersion()
		if err != nil {
			return false, tr.invalid("update content", err)
		}
		tr.t.UpdateContent(c, ref, cv)
		return false, nil

	case tagAddEntry, tagRemoveEntry:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("dir entry", err)
		}
		dir, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("dir entry", err)
		}
		name, err := tr.readString()
		if err != nil {
			return false, tr.invalid("dir entry", err)
		}
		target, err := tr.readRef()
		if err != nil {
			return false, tr.invalid("dir entry", err)
		}
		if tag == tagAddEntry {
			tr.t.AddEntry(c, dir, name, target)
		} else {
			tr.t.RemoveEntry(c, dir, name, target)
		}
		return false, nil

	case tagLaunch:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("launch", err)
		}
		child, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("launch", err)
		}
		n, err := tr.readUvarint()
		if err != nil {
			return false, tr.invalid("launch", err)
		}
		refs := make([]build.RefMapping, 0, n)
		for range n {
			parent, err := tr.readRef()
			if err != nil {
				return false, tr.invalid("launch", err)
			}
			childRef, err := tr.readRef()
			if err != nil {
				return false, tr.invalid("launch", err)
			}
			refs = append(refs, build.RefMapping{Parent: parent, Child: childRef})
		}
		tr.t.Launch(c, child, refs)
		return false, nil

	case tagJoin:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("join", err)
		}
		child, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("join", err)
		}
		status, err := tr.readVarint()
		if err != nil {
			return false, tr.invalid("join", err)
		}
		tr.t.Join(c, child, int(status))
		return false, nil

	case tagExit:
		c, err := tr.readCommand()
		if err != nil {
			return false, tr.invalid("exit", err)
		}
		status, err := tr.readVarint()
		if err != nil {
			return false, tr.invalid("exit", err)
		}
		tr.t.Exit(c, int(status))
		return false, nil

	default:
		return false, tr.invalid(fmt.Sprintf("unknown record tag %#x", tag), nil)
	}
}

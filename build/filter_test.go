// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestAccessFilterReads(t *testing.T) {
	opts := DefaultOptions()
	c1 := NewCommand([]string{"one"}, nil)
	c2 := NewCommand([]string{"two"}, nil)
	f := new(accessFilter)

	if !f.readRequired(opts, c1, 6) {
		t.Error("first read by c1 not required")
	}
	f.read(c1, 6)
	if f.readRequired(opts, c1, 6) {
		t.Error("repeated read by c1 through same ref required")
	}
	if !f.readRequired(opts, c1, 7) {
		t.Error("read by c1 through a different ref not required")
	}
	if !f.readRequired(opts, c2, 6) {
		t.Error("read by c2 not required")
	}

	// A write by anyone invalidates prior reads.
	v := EmptyFileVersion()
	f.write(c2, 6, v)
	if !f.readRequired(opts, c1, 6) {
		t.Error("read by c1 after c2's write not required")
	}
	if f.readRequired(opts, c2, 6) {
		t.Error("c2 reading back its own write required")
	}
}

func TestAccessFilterWrites(t *testing.T) {
	opts := DefaultOptions()
	c1 := NewCommand([]string{"one"}, nil)
	c2 := NewCommand([]string{"two"}, nil)
	f := new(accessFilter)

	if !f.writeRequired(opts, c1, 6) {
		t.Error("first write not required")
	}
	v1 := EmptyFileVersion()
	f.write(c1, 6, v1)

	// Same writer, same ref, unread value: collapses.
	if f.writeRequired(opts, c1, 6) {
		t.Error("repeated unobserved write by c1 required")
	}
	// Different ref forces a record.
	if !f.writeRequired(opts, c1, 7) {
		t.Error("write through a different ref not required")
	}
	// Different writer forces a record.
	if !f.writeRequired(opts, c2, 6) {
		t.Error("write by a different command not required")
	}
	// An accessed value forces a record.
	v1.MarkAccessed()
	if !f.writeRequired(opts, c1, 6) {
		t.Error("write after the last value was read not required")
	}
}

func TestAccessFilterDisabled(t *testing.T) {
	opts := &Options{CombineReads: false, CombineWrites: false}
	c := NewCommand([]string{"one"}, nil)
	f := new(accessFilter)

	f.read(c, 6)
	if !f.readRequired(opts, c, 6) {
		t.Error("read elided with combineReads disabled")
	}
	f.write(c, 6, EmptyFileVersion())
	if !f.writeRequired(opts, c, 6) {
		t.Error("write elided with combineWrites disabled")
	}
}

// filterOp is one step of a generated access sequence.
type filterOp struct {
	Write bool
	Cmd   int    // index into a fixed command set
	Ref   uint32 // reference slot
}

// TestAccessFilterProperty checks the read-elision invariant on arbitrary
// access sequences: once a (command, ref) pair has read, no further read by
// that pair is recorded until another write to the artifact.
func TestAccessFilterProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genOp := gen.Struct(reflect.TypeOf(filterOp{}), map[string]gopter.Gen{
		"Write": gen.Bool(),
		"Cmd":   gen.IntRange(0, 2),
		"Ref":   gen.UInt32Range(6, 8),
	})

	properties.Property("no redundant reads between writes", prop.ForAll(
		func(ops []filterOp) bool {
			opts := DefaultOptions()
			cmds := []*Command{
				NewCommand([]string{"a"}, nil),
				NewCommand([]string{"b"}, nil),
				NewCommand([]string{"c"}, nil),
			}
			f := new(accessFilter)
			type key struct {
				cmd int
				ref uint32
			}
			readSinceWrite := make(map[key]int)

			for _, op := range ops {
				c := cmds[op.Cmd]
				if op.Write {
					if f.writeRequired(opts, c, RefID(op.Ref)) {
						f.write(c, RefID(op.Ref), EmptyFileVersion())
						readSinceWrite = make(map[key]int)
						// The writer observes its own value.
						readSinceWrite[key{op.Cmd, op.Ref}] = 1
					}
					continue
				}
				required := f.readRequired(opts, c, RefID(op.Ref))
				k := key{op.Cmd, op.Ref}
				if readSinceWrite[k] > 0 && required {
					// A second read with no intervening write must
					// be elided.
					return false
				}
				if required {
					f.read(c, RefID(op.Ref))
					readSinceWrite[k]++
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"rb.256lights.llc/pkg/internal/xmaps"
	"rb.256lights.llc/pkg/sets"
)

// filterKey identifies one reader in an access filter: the command and the
// reference slot it read through.
type filterKey struct {
	c   *Command
	ref RefID
}

// accessFilter eliminates redundant trace steps for one facet of one
// artifact. Two consecutive reads by the same command through the same
// reference with no intervening write collapse to one recorded read; two
// consecutive writes by the same command through the same reference with no
// intervening read collapse to one recorded write.
type accessFilter struct {
	lastWriter  *Command
	writeRef    RefID
	lastWritten Version
	observed    sets.Set[filterKey]
}

// readRequired reports whether a read by c through ref must be recorded.
func (f *accessFilter) readRequired(opts *Options, c *Command, ref RefID) bool {
	if !opts.CombineReads {
		return true
	}
	return !f.observed.Has(filterKey{c, ref})
}

// read records that c has observed the current state through ref.
func (f *accessFilter) read(c *Command, ref RefID) {
	if f.observed == nil {
		f.observed = make(sets.Set[filterKey])
	}
	f.observed.Add(filterKey{c, ref})
}

// selfRead reports whether a read by c through ref would only observe c's own
// most recent write through the same reference.
func (f *accessFilter) selfRead(opts *Options, c *Command, ref RefID) bool {
	return opts.IgnoreSelfReads &&
		f.lastWritten != nil &&
		f.lastWriter == c &&
		f.writeRef == ref
}

// writeRequired reports whether a write by c through ref must be recorded.
func (f *accessFilter) writeRequired(opts *Options, c *Command, ref RefID) bool {
	if !opts.CombineWrites {
		return true
	}
	if f.lastWritten == nil {
		return true
	}
	if f.lastWritten.Accessed() {
		return true
	}
	if c != f.lastWriter {
		return true
	}
	if ref != f.writeRef {
		return true
	}
	return false
}

// write records an emitted write, invalidating all previous reads.
func (f *accessFilter) write(c *Command, ref RefID, written Version) {
	f.observed = xmaps.Init(f.observed)
	f.lastWriter = c
	f.writeRef = ref
	f.lastWritten = written

	// The writer can keep observing its own value without a new record.
	f.observed.Add(filterKey{c, ref})
}

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package trace

import (
	"rb.256lights.llc/pkg/build"
	"rb.256lights.llc/pkg/internal/cas"
	"rb.256lights.llc/pkg/sets"
)

// LiveHashes returns the set of content hashes referenced by any file
// version in the trace. The cache garbage collector unlinks everything else.
func (t *Trace) LiveHashes() sets.Set[cas.Hash] {
	live := make(sets.Set[cas.Hash])
	add := func(cv build.ContentVersion) {
		if fv, ok := cv.(*build.FileVersion); ok {
			if h, ok := fv.Hash(); ok {
				live.Add(h)
			}
		}
	}
	for _, r := range t.records {
		switch r := r.(type) {
		case matchContentRecord:
			add(r.expected)
		case updateContentRecord:
			add(r.v)
		}
	}
	return live
}

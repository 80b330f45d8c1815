// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rb.256lights.llc/pkg/internal/cas"
	"rb.256lights.llc/pkg/sets"
)

// ContentVersion is a [Version] describing the content facet of an artifact:
// file bytes, symlink target, directory listing, or pipe traffic.
type ContentVersion interface {
	Version

	// Matches reports whether two content versions are indistinguishable
	// in their comparison fields.
	Matches(ContentVersion) bool

	// CanCommit reports whether the engine holds enough data to reify this
	// version on disk.
	CanCommit() bool
}

// FileVersion is a snapshot of a regular file's contents.
// The fingerprint (hash and mtime) may be filled in lazily: a version created
// for an observed write has no hash until another command reads it or the
// build finalizes.
type FileVersion struct {
	versionBase

	empty  bool
	cached bool
	mtime  time.Time
	hash   *cas.Hash
}

// NewFileVersion returns a file version with no fingerprint yet.
func NewFileVersion() *FileVersion { return new(FileVersion) }

// EmptyFileVersion returns the version of a zero-length file.
func EmptyFileVersion() *FileVersion {
	return &FileVersion{empty: true}
}

// TypeName implements [Version].
func (fv *FileVersion) TypeName() string { return "content" }

// Empty reports whether this version is known to be a zero-length file.
func (fv *FileVersion) Empty() bool { return fv.empty }

// Cached reports whether the content bytes are present in the cache.
func (fv *FileVersion) Cached() bool { return fv.cached }

// SetCached marks the content bytes as present in the cache.
func (fv *FileVersion) SetCached() { fv.cached = true }

// Hash returns the BLAKE3 fingerprint, if one has been taken.
func (fv *FileVersion) Hash() (cas.Hash, bool) {
	if fv.hash == nil {
		return cas.Hash{}, false
	}
	return *fv.hash, true
}

// MTime returns the modification time recorded with the fingerprint.
func (fv *FileVersion) MTime() time.Time { return fv.mtime }

// SetFingerprint fills in the fingerprint fields directly.
// Trace loading uses this; live builds use [FileVersion.Fingerprint].
func (fv *FileVersion) SetFingerprint(h cas.Hash, mtime time.Time, empty bool) {
	hh := h
	fv.hash = &hh
	fv.mtime = mtime
	fv.empty = empty
}

// RestoreFileVersion reconstructs a file version from persisted state.
func RestoreFileVersion(h *cas.Hash, mtime time.Time, empty, cached bool) *FileVersion {
	fv := &FileVersion{empty: empty, cached: cached, mtime: mtime}
	if h != nil {
		hh := *h
		fv.hash = &hh
	}
	return fv
}

// Fingerprinted reports whether this version's identifying data is known.
func (fv *FileVersion) Fingerprinted() bool { return fv.hash != nil || fv.empty }

// Fingerprint hashes the file at path and records the result on this version.
func (fv *FileVersion) Fingerprint(ctx context.Context, store *cas.Store, path string) error {
	if store == nil {
		h, size, err := cas.HashFile(path)
		if err != nil {
			return fmt.Errorf("fingerprint %s: %w", path, err)
		}
		fv.SetFingerprint(h, time.Time{}, size == 0)
		return nil
	}
	h, size, mtime, err := store.Fingerprint(ctx, path)
	if err != nil {
		return fmt.Errorf("fingerprint %s: %w", path, err)
	}
	fv.SetFingerprint(h, mtime, size == 0)
	return nil
}

// Matches implements [ContentVersion].
func (fv *FileVersion) Matches(other ContentVersion) bool {
	ofv, ok := other.(*FileVersion)
	if !ok {
		return false
	}
	if fv == ofv {
		return true
	}
	if fv.empty && ofv.empty {
		return true
	}
	if fv.hash != nil && ofv.hash != nil {
		return *fv.hash == *ofv.hash
	}
	// Without fingerprints the versions are distinct snapshots.
	return false
}

// CanCommit implements [ContentVersion]. Zero-length files can always be
// committed; anything else needs its bytes in the cache.
func (fv *FileVersion) CanCommit() bool {
	return fv.empty || (fv.cached && fv.hash != nil)
}

func (fv *FileVersion) String() string {
	switch {
	case fv.hash != nil:
		return fmt.Sprintf("[content %s]", (*fv.hash).Hex()[:12])
	case fv.empty:
		return "[content empty]"
	default:
		return "[content unsaved]"
	}
}

// SymlinkVersion is a snapshot of a symbolic link's target.
type SymlinkVersion struct {
	versionBase
	Target string
}

// NewSymlinkVersion returns a version for a link pointing at target.
func NewSymlinkVersion(target string) *SymlinkVersion {
	return &SymlinkVersion{Target: target}
}

// TypeName implements [Version].
func (sv *SymlinkVersion) TypeName() string { return "symlink" }

// Matches implements [ContentVersion].
func (sv *SymlinkVersion) Matches(other ContentVersion) bool {
	osv, ok := other.(*SymlinkVersion)
	return ok && sv.Target == osv.Target
}

// CanCommit implements [ContentVersion]. The target string is all that is
// needed to recreate a link.
func (sv *SymlinkVersion) CanCommit() bool { return true }

func (sv *SymlinkVersion) String() string {
	return fmt.Sprintf("[symlink -> %s]", sv.Target)
}

// DirListVersion is a full listing of a directory's entry names.
// A baseline listing describes a directory that already existed on disk when
// the build started; baselines are terminal and must never be re-committed.
type DirListVersion struct {
	versionBase
	Names    sets.Set[string]
	Baseline bool
}

// NewDirListVersion returns a listing with the given names.
func NewDirListVersion(names sets.Set[string], baseline bool) *DirListVersion {
	if names == nil {
		names = make(sets.Set[string])
	}
	return &DirListVersion{Names: names, Baseline: baseline}
}

// TypeName implements [Version].
func (dv *DirListVersion) TypeName() string { return "directory list" }

// Matches implements [ContentVersion].
func (dv *DirListVersion) Matches(other ContentVersion) bool {
	odv, ok := other.(*DirListVersion)
	if !ok || dv.Names.Len() != odv.Names.Len() {
		return false
	}
	for name := range dv.Names.All() {
		if !odv.Names.Has(name) {
			return false
		}
	}
	return true
}

// CanCommit implements [ContentVersion].
// Baseline listings are snapshots of pre-existing directories: the engine
// never owns their full contents, so they cannot be reified.
func (dv *DirListVersion) CanCommit() bool { return !dv.Baseline }

func (dv *DirListVersion) String() string {
	names := make([]string, 0, dv.Names.Len())
	for name := range dv.Names.All() {
		names = append(names, name)
	}
	return fmt.Sprintf("[dir {%s}]", strings.Join(names, " "))
}

// LinkVersion records a single name being linked into a directory.
// Link and unlink patches exist only in the model: the trace reconstructs
// them from AddEntry and RemoveEntry steps.
type LinkVersion struct {
	versionBase
	Name   string
	Target Artifact
}

// TypeName implements [Version].
func (lv *LinkVersion) TypeName() string { return "link" }

// Matches implements [ContentVersion].
func (lv *LinkVersion) Matches(other ContentVersion) bool {
	olv, ok := other.(*LinkVersion)
	return ok && lv.Name == olv.Name && lv.Target == olv.Target
}

// CanCommit implements [ContentVersion].
func (lv *LinkVersion) CanCommit() bool { return true }

func (lv *LinkVersion) String() string { return fmt.Sprintf("[+%s]", lv.Name) }

// UnlinkVersion records a single name being removed from a directory.
type UnlinkVersion struct {
	versionBase
	Name   string
	Target Artifact
}

// TypeName implements [Version].
func (uv *UnlinkVersion) TypeName() string { return "unlink" }

// Matches implements [ContentVersion].
func (uv *UnlinkVersion) Matches(other ContentVersion) bool {
	ouv, ok := other.(*UnlinkVersion)
	return ok && uv.Name == ouv.Name && uv.Target == ouv.Target
}

// CanCommit implements [ContentVersion].
func (uv *UnlinkVersion) CanCommit() bool { return true }

func (uv *UnlinkVersion) String() string { return fmt.Sprintf("[-%s]", uv.Name) }

// PipeWriteVersion records one observed write to a pipe.
type PipeWriteVersion struct {
	versionBase
}

// TypeName implements [Version].
func (pv *PipeWriteVersion) TypeName() string { return "pipe write" }

// Matches implements [ContentVersion]. Pipes carry no persistent state, so
// any two pipe writes are interchangeable on replay.
func (pv *PipeWriteVersion) Matches(ContentVersion) bool { return true }

// CanCommit implements [ContentVersion]. Pipes have no on-disk form;
// committing is a no-op.
func (pv *PipeWriteVersion) CanCommit() bool { return true }

func (pv *PipeWriteVersion) String() string { return "[pipe write]" }

// PipeCloseVersion records the write end of a pipe closing.
type PipeCloseVersion struct {
	versionBase
}

// TypeName implements [Version].
func (pv *PipeCloseVersion) TypeName() string { return "pipe close" }

// Matches implements [ContentVersion].
func (pv *PipeCloseVersion) Matches(ContentVersion) bool { return true }

// CanCommit implements [ContentVersion].
func (pv *PipeCloseVersion) CanCommit() bool { return true }

func (pv *PipeCloseVersion) String() string { return "[pipe close]" }

// PipeReadVersion records the sequence of writes a reader observed.
type PipeReadVersion struct {
	versionBase
	Writes int
}

// TypeName implements [Version].
func (pv *PipeReadVersion) TypeName() string { return "pipe read" }

// Matches implements [ContentVersion].
func (pv *PipeReadVersion) Matches(ContentVersion) bool { return true }

// CanCommit implements [ContentVersion].
func (pv *PipeReadVersion) CanCommit() bool { return true }

func (pv *PipeReadVersion) String() string {
	return fmt.Sprintf("[pipe read %d]", pv.Writes)
}

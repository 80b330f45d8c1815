// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// A Version is an immutable snapshot of one facet of an artifact.
// The snapshot data itself never changes once taken; the bookkeeping here
// (creator, committed, accessed) is transient build state that is
// re-established on every run.
type Version interface {
	// Committed reports whether the on-disk state of the artifact matches
	// this version.
	Committed() bool
	SetCommitted(bool)

	// Creator returns the command that produced this version,
	// or nil for versions that describe pre-existing state.
	Creator() *Command
	CreatedBy(*Command)

	// Accessed reports whether any command has read this version since it
	// was written. The access filter uses it to decide whether a repeated
	// write must be recorded.
	Accessed() bool
	MarkAccessed()

	// TypeName is a short label used in logs and rebuild reasons.
	TypeName() string
}

// versionBase carries the transient bookkeeping shared by all version kinds.
type versionBase struct {
	creator   *Command
	committed bool
	accessed  bool
}

func (vb *versionBase) Committed() bool      { return vb.committed }
func (vb *versionBase) SetCommitted(ok bool) { vb.committed = ok }
func (vb *versionBase) Creator() *Command    { return vb.creator }
func (vb *versionBase) CreatedBy(c *Command) { vb.creator = c }
func (vb *versionBase) Accessed() bool       { return vb.accessed }
func (vb *versionBase) MarkAccessed()        { vb.accessed = true }

// MetadataVersion is a snapshot of an artifact's ownership and mode.
type MetadataVersion struct {
	versionBase
	UID  uint32
	GID  uint32
	Mode uint32
}

// NewMetadataVersion returns a metadata version with the given fields.
func NewMetadataVersion(uid, gid, mode uint32) *MetadataVersion {
	return &MetadataVersion{UID: uid, GID: gid, Mode: mode}
}

// MetadataFromStat converts a stat result into a metadata version.
func MetadataFromStat(st *unix.Stat_t) *MetadataVersion {
	return NewMetadataVersion(st.Uid, st.Gid, st.Mode)
}

// TypeName implements [Version].
func (mv *MetadataVersion) TypeName() string { return "metadata" }

// Matches reports whether two metadata versions are indistinguishable.
// Only ownership and permission bits participate; the file type bits are
// fixed per artifact kind.
func (mv *MetadataVersion) Matches(other *MetadataVersion) bool {
	if other == nil {
		return false
	}
	const permMask = 0o7777
	return mv.UID == other.UID &&
		mv.GID == other.GID &&
		mv.Mode&permMask == other.Mode&permMask
}

// Chown derives a new metadata version with a different owner.
func (mv *MetadataVersion) Chown(uid, gid uint32) *MetadataVersion {
	return NewMetadataVersion(uid, gid, mv.Mode)
}

// Chmod derives a new metadata version with different permission bits.
func (mv *MetadataVersion) Chmod(mode uint32) *MetadataVersion {
	const permMask = 0o7777
	return NewMetadataVersion(mv.UID, mv.GID, mv.Mode&^uint32(permMask)|mode&permMask)
}

// CheckAccess reports whether a process with the given effective IDs is
// granted the requested access by this metadata.
func (mv *MetadataVersion) CheckAccess(flags AccessFlags, euid, egid uint32) bool {
	if euid == 0 {
		// Root bypasses permission bits for everything except execute,
		// which requires at least one execute bit set.
		if !flags.Execute {
			return true
		}
		return mv.Mode&0o111 != 0
	}

	var shift uint
	switch {
	case euid == mv.UID:
		shift = 6
	case egid == mv.GID:
		shift = 3
	default:
		shift = 0
	}
	perm := mv.Mode >> shift
	if flags.Read && perm&0o4 == 0 {
		return false
	}
	if flags.Write && perm&0o2 == 0 {
		return false
	}
	if flags.Execute && perm&0o1 == 0 {
		return false
	}
	return true
}

// Commit reifies this metadata at the given path.
func (mv *MetadataVersion) Commit(path string) error {
	const permMask = 0o7777
	if err := os.Chmod(path, os.FileMode(mv.Mode&permMask)); err != nil {
		return err
	}
	if os.Geteuid() == 0 {
		if err := os.Lchown(path, int(mv.UID), int(mv.GID)); err != nil {
			return err
		}
	}
	mv.SetCommitted(true)
	return nil
}

func (mv *MetadataVersion) String() string {
	return fmt.Sprintf("[metadata uid=%d gid=%d mode=%04o]", mv.UID, mv.GID, mv.Mode&0o7777)
}

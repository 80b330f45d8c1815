// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"rb.256lights.llc/pkg/internal/osutil"
	"rb.256lights.llc/pkg/internal/xmaps"
	"rb.256lights.llc/pkg/sets"
)

// symlinkDepthLimit bounds symlink traversal during resolution,
// mirroring the kernel's limit.
const symlinkDepthLimit = 40

// DirArtifact is the identity of a directory. It tracks the entries the
// build has modeled and falls back to the on-disk directory for everything
// else.
type DirArtifact struct {
	artifact

	// entries holds the modeled view of names known to exist.
	entries map[string]Artifact
	// entryVersions attributes each modeled entry to the version that
	// created or removed it, for dependency tracking.
	entryVersions map[string]Version
	// absent holds names known not to exist.
	absent sets.Set[string]
	// baseline is set for directories that existed on disk when the build
	// started.
	baseline *DirListVersion
}

func newDirArtifact(env *Env, name, path string, md *MetadataVersion, baseline bool) *DirArtifact {
	da := &DirArtifact{
		entries:       make(map[string]Artifact),
		entryVersions: make(map[string]Version),
		absent:        make(sets.Set[string]),
	}
	da.artifact = artifact{env: env, name: name, path: path}
	da.owner = da
	da.setMetadata(md)
	if baseline {
		bl := NewDirListVersion(nil, true)
		bl.SetCommitted(true)
		da.baseline = bl
		da.appendVersion(bl)
	} else {
		empty := NewDirListVersion(nil, false)
		da.appendVersion(empty)
	}
	return da
}

// lookup finds the artifact for one entry name, consulting the model first
// and the on-disk directory second.
func (da *DirArtifact) lookup(b *Build, c *Command, name string) (Artifact, unix.Errno) {
	switch name {
	case "", ".":
		return da, 0
	case "..":
		if da.path == "" || da.path == "/" {
			if da.path == "/" {
				return da, 0
			}
			return nil, unix.ENOENT
		}
		parent := da.env.GetPath(b, filepath.Dir(da.path))
		if parent == nil {
			return nil, unix.ENOENT
		}
		return parent, 0
	}

	if ent, ok := da.entries[name]; ok {
		if v := da.entryVersions[name]; v != nil && c != nil {
			v.MarkAccessed()
			b.observeInput(c, da, v, InputAccessed)
		}
		return ent, 0
	}
	if da.absent.Has(name) {
		if v := da.entryVersions[name]; v != nil && c != nil {
			v.MarkAccessed()
			b.observeInput(c, da, v, InputAccessed)
		}
		return nil, unix.ENOENT
	}

	// Consult the filesystem.
	if da.path != "" {
		if a := da.env.GetPath(b, filepath.Join(da.path, name)); a != nil {
			da.entries[name] = a
			return a, 0
		}
	}
	da.absent.Add(name)
	return nil, unix.ENOENT
}

// Resolve implements [Artifact]: the resolution walk of §resolve.
// path must be relative to this directory.
func (da *DirArtifact) Resolve(b *Build, c *Command, path string, flags AccessFlags, depth int) *Ref {
	if depth <= 0 {
		return FailedRef(unix.ELOOP)
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" || path == "." {
		if errno := da.checkAccess(b, flags); errno != 0 {
			return FailedRef(errno)
		}
		return NewRef(flags, da)
	}

	name, rest, _ := strings.Cut(path, "/")
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return da.resolveFinal(b, c, name, flags, depth)
	}

	// Intermediate component: must traverse a directory.
	ent, errno := da.lookup(b, c, name)
	if errno != 0 {
		return FailedRef(errno)
	}
	for {
		switch t := ent.(type) {
		case *DirArtifact:
			return t.Resolve(b, c, rest, flags, depth)
		case *SymlinkArtifact:
			res := t.follow(b, c, da, depth-1)
			if !res.Resolved() {
				return FailedRef(res.Errno())
			}
			depth--
			if depth <= 0 {
				return FailedRef(unix.ELOOP)
			}
			ent = res.Artifact()
		default:
			return FailedRef(unix.ENOTDIR)
		}
	}
}

func (da *DirArtifact) resolveFinal(b *Build, c *Command, name string, flags AccessFlags, depth int) *Ref {
	ent, errno := da.lookup(b, c, name)
	if errno == 0 {
		if flags.Create && flags.Exclusive {
			return FailedRef(unix.EEXIST)
		}
		if sl, ok := ent.(*SymlinkArtifact); ok && !flags.NoFollow {
			res := sl.follow(b, c, da, depth-1)
			if !res.Resolved() {
				return FailedRef(res.Errno())
			}
			ent = res.Artifact()
		}
		if flags.Directory {
			if _, ok := ent.(*DirArtifact); !ok {
				return FailedRef(unix.ENOTDIR)
			}
		}
		if errno := ent.base().checkAccess(b, flags); errno != 0 {
			return FailedRef(errno)
		}
		if flags.Truncate {
			if fa, ok := ent.(*FileArtifact); ok {
				fa.truncate(b, c)
			}
		}
		return NewRef(flags, ent)
	}
	if errno != unix.ENOENT {
		return FailedRef(errno)
	}
	if !flags.Create {
		return FailedRef(unix.ENOENT)
	}

	// Creating a new entry requires write access to this directory.
	if werrno := da.checkAccess(b, AccessFlags{Write: true}); werrno != 0 {
		return FailedRef(werrno)
	}
	f := da.env.createFile(b, c, flags.Mode)
	da.AddEntry(b, c, name, f)
	return NewRef(flags, f)
}

// AddEntry links target into this directory under name and returns the
// version recording the link.
func (da *DirArtifact) AddEntry(b *Build, c *Command, name string, target Artifact) *LinkVersion {
	lv := &LinkVersion{Name: name, Target: target}
	lv.CreatedBy(c)
	da.appendVersion(lv)
	da.entries[name] = target
	da.entryVersions[name] = lv
	da.absent.Delete(name)

	// The target becomes reachable through this directory.
	tb := target.base()
	if tb.path == "" && da.path != "" {
		tb.path = filepath.Join(da.path, name)
	}
	if tb.name == "" || strings.HasPrefix(tb.name, "<") {
		tb.name = name
	}

	b.observeOutput(c, da, lv)
	return lv
}

// RemoveEntry unlinks name from this directory and returns the version
// recording the unlink.
func (da *DirArtifact) RemoveEntry(b *Build, c *Command, name string, target Artifact) *UnlinkVersion {
	uv := &UnlinkVersion{Name: name, Target: target}
	uv.CreatedBy(c)
	da.appendVersion(uv)
	delete(da.entries, name)
	da.entryVersions[name] = uv
	da.absent.Add(name)

	b.observeOutput(c, da, uv)
	return uv
}

// List returns a snapshot of the directory's full entry listing:
// the on-disk names adjusted by the modeled links and unlinks.
func (da *DirArtifact) List(b *Build, c *Command) *DirListVersion {
	names := da.diskNames()
	for name := range da.entries {
		names.Add(name)
	}
	for name := range da.absent.All() {
		delete(names, name)
	}
	lv := NewDirListVersion(names, false)
	if c != nil {
		b.observeInput(c, da, lv, InputAccessed)
	}
	return lv
}

func (da *DirArtifact) diskNames() sets.Set[string] {
	names := make(sets.Set[string])
	if da.path == "" {
		return names
	}
	dents, err := os.ReadDir(da.path)
	if err != nil {
		return names
	}
	for _, de := range dents {
		names.Add(de.Name())
	}
	return names
}

// PeekContent implements [Artifact].
func (da *DirArtifact) PeekContent() ContentVersion {
	for i := len(da.versions) - 1; i >= 0; i-- {
		if cv, ok := da.versions[i].(ContentVersion); ok {
			return cv
		}
	}
	return nil
}

// MatchContent implements [Artifact]: the expected listing is compared
// against the directory's current (or, post-build, on-disk) listing.
func (da *DirArtifact) MatchContent(b *Build, c *Command, scenario Scenario, expected ContentVersion) {
	var observed ContentVersion
	if scenario == ScenarioPostBuild {
		observed = NewDirListVersion(da.diskNames(), false)
	} else {
		observed = da.List(b, c)
	}
	if !observed.Matches(expected) {
		b.observeMismatch(c, scenario, da, observed, expected)
	}
}

// UpdateContent implements [Artifact].
func (da *DirArtifact) UpdateContent(b *Build, c *Command, v ContentVersion) {
	v.CreatedBy(c)
	da.appendVersion(v)
	b.observeOutput(c, da, v)
}

// CanCommit implements [Artifact].
func (da *DirArtifact) CanCommit(v Version) bool {
	switch v := v.(type) {
	case *MetadataVersion:
		return true
	case *DirListVersion:
		return v.CanCommit()
	case *LinkVersion:
		return v.Target.CanCommitAll()
	case *UnlinkVersion:
		return true
	default:
		return false
	}
}

// Commit implements [Artifact].
func (da *DirArtifact) Commit(b *Build, v Version) error {
	if v.Committed() {
		return nil
	}
	if da.path == "" {
		return fmt.Errorf("commit %s: %w", da.name, ErrUncommittable)
	}
	switch v := v.(type) {
	case *MetadataVersion:
		return v.Commit(da.path)
	case *DirListVersion:
		if v.Baseline {
			return fmt.Errorf("commit existing directory %s: %w", da.path, ErrUncommittable)
		}
		if err := osutil.MkdirPerm(da.path, dirMode(da.metadata)); err != nil && !os.IsExist(err) {
			return err
		}
		v.SetCommitted(true)
		return nil
	case *LinkVersion:
		if err := v.Target.CommitAll(b); err != nil {
			return err
		}
		v.SetCommitted(true)
		return nil
	case *UnlinkVersion:
		name := filepath.Join(da.path, v.Name)
		err := os.Remove(name)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		v.SetCommitted(true)
		return nil
	default:
		return fmt.Errorf("commit %s: %s version: %w", da.name, v.TypeName(), ErrUncommittable)
	}
}

func dirMode(md *MetadataVersion) os.FileMode {
	if md == nil {
		return 0o755
	}
	return os.FileMode(md.Mode & 0o7777)
}

// CanCommitAll implements [Artifact].
func (da *DirArtifact) CanCommitAll() bool {
	if da.path == "" {
		return false
	}
	for _, v := range da.versions {
		if !v.Committed() && !da.CanCommit(v) {
			return false
		}
	}
	return true
}

// CommitAll implements [Artifact].
func (da *DirArtifact) CommitAll(b *Build) error {
	for _, v := range da.versions {
		if v.Committed() {
			continue
		}
		if dv, ok := v.(*DirListVersion); ok && dv.Baseline {
			continue
		}
		if err := da.Commit(b, v); err != nil {
			return err
		}
	}
	if md := da.metadata; md != nil && !md.Committed() {
		if err := da.Commit(b, md); err != nil {
			return err
		}
	}
	return nil
}

// CheckFinalState implements [Artifact], recursing into modeled entries.
func (da *DirArtifact) CheckFinalState(b *Build, path string) {
	for name, ent := range xmaps.Sorted(da.entries) {
		ent.CheckFinalState(b, filepath.Join(path, name))
	}
	for name := range da.absent.All() {
		if v, ok := da.entryVersions[name].(*UnlinkVersion); ok && !v.Committed() {
			continue
		}
		full := filepath.Join(path, name)
		if _, err := os.Lstat(full); err == nil {
			if uv, ok := da.entryVersions[name].(*UnlinkVersion); ok {
				b.observeFinalMismatch(da, uv, nil)
			}
		}
	}
}

// ApplyFinalState implements [Artifact].
func (da *DirArtifact) ApplyFinalState(b *Build, path string) error {
	if da.path == "" {
		da.path = path
	}
	if err := da.CommitAll(b); err != nil {
		log.Warnf(b.ctx, "final state of %s: %v", path, err)
		return err
	}
	for name, ent := range xmaps.Sorted(da.entries) {
		if err := ent.ApplyFinalState(b, filepath.Join(path, name)); err != nil {
			return err
		}
	}
	return nil
}

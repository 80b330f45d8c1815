// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"rb.256lights.llc/pkg/internal/osutil"
)

// FileArtifact is the identity of a regular file.
type FileArtifact struct {
	artifact
	content ContentVersion
}

func newFileArtifact(env *Env, name, path string, md *MetadataVersion, cv ContentVersion) *FileArtifact {
	fa := &FileArtifact{}
	fa.artifact = artifact{env: env, name: name, path: path}
	fa.owner = fa
	fa.setMetadata(md)
	fa.setContent(cv)
	return fa
}

func (fa *FileArtifact) setContent(cv ContentVersion) {
	fa.appendVersion(cv)
	fa.content = cv
}

// PeekContent implements [Artifact].
func (fa *FileArtifact) PeekContent() ContentVersion { return fa.content }

// MatchContent implements [Artifact].
func (fa *FileArtifact) MatchContent(b *Build, c *Command, scenario Scenario, expected ContentVersion) {
	var observed ContentVersion
	if scenario == ScenarioPostBuild {
		observed = fa.lastCommittedContent()
	} else {
		observed = fa.content
		if observed != nil {
			observed.MarkAccessed()
			b.observeInput(c, fa, observed, InputAccessed)
		}
	}
	if observed == nil || !observed.Matches(expected) {
		b.observeMismatch(c, scenario, fa, observed, expected)
	}
}

// UpdateContent implements [Artifact].
func (fa *FileArtifact) UpdateContent(b *Build, c *Command, v ContentVersion) {
	v.CreatedBy(c)
	fa.setContent(v)
	b.observeOutput(c, fa, v)
}

// truncate models O_TRUNC: the file's content becomes empty.
func (fa *FileArtifact) truncate(b *Build, c *Command) {
	fa.UpdateContent(b, c, EmptyFileVersion())
}

// Resolve implements [Artifact]. Files do not resolve paths.
func (fa *FileArtifact) Resolve(*Build, *Command, string, AccessFlags, int) *Ref {
	return FailedRef(unix.ENOTDIR)
}

// CanCommit implements [Artifact].
func (fa *FileArtifact) CanCommit(v Version) bool {
	switch v := v.(type) {
	case *MetadataVersion:
		return true
	case ContentVersion:
		return v.CanCommit()
	default:
		return false
	}
}

// Commit implements [Artifact].
func (fa *FileArtifact) Commit(b *Build, v Version) error {
	if v.Committed() {
		return nil
	}
	if fa.path == "" {
		return fmt.Errorf("commit %s: %w", fa.name, ErrUncommittable)
	}
	switch v := v.(type) {
	case *MetadataVersion:
		return v.Commit(fa.path)
	case *FileVersion:
		return fa.commitContent(b, v)
	default:
		return fmt.Errorf("commit %s: %s version: %w", fa.name, v.TypeName(), ErrUncommittable)
	}
}

func (fa *FileArtifact) commitContent(b *Build, fv *FileVersion) error {
	// If the disk already holds this content, there is nothing to write.
	if fv.Fingerprinted() {
		onDisk := NewFileVersion()
		if err := onDisk.Fingerprint(b.ctx, fa.env.store, fa.path); err == nil && fv.Matches(onDisk) {
			fv.SetCommitted(true)
			return nil
		}
	}
	switch {
	case fv.Empty():
		mode := os.FileMode(0o644)
		if md := fa.metadata; md != nil {
			mode = os.FileMode(md.Mode & 0o7777)
		}
		if err := osutil.WriteFilePerm(fa.path, nil, mode); err != nil {
			return err
		}
	case fv.Cached():
		h, ok := fv.Hash()
		if !ok {
			return fmt.Errorf("commit %s: cached content has no hash: %w", fa.path, ErrUncommittable)
		}
		mode := os.FileMode(0o644)
		if md := fa.metadata; md != nil {
			mode = os.FileMode(md.Mode & 0o7777)
		}
		if err := fa.env.store.Stage(b.ctx, h, fa.path, mode); err != nil {
			return err
		}
	default:
		return fmt.Errorf("commit %s: content not cached: %w", fa.path, ErrUncommittable)
	}
	fv.SetCommitted(true)
	return nil
}

// CanCommitAll implements [Artifact].
func (fa *FileArtifact) CanCommitAll() bool {
	if md := fa.metadata; md != nil && !md.Committed() && fa.path == "" {
		return false
	}
	if cv := fa.content; cv != nil && !cv.Committed() {
		if fa.path == "" || !cv.CanCommit() {
			return false
		}
	}
	return true
}

// CommitAll implements [Artifact].
func (fa *FileArtifact) CommitAll(b *Build) error {
	if cv := fa.content; cv != nil && !cv.Committed() {
		if err := fa.Commit(b, cv); err != nil {
			return err
		}
	}
	if md := fa.metadata; md != nil && !md.Committed() {
		if err := fa.Commit(b, md); err != nil {
			return err
		}
	}
	return nil
}

// CheckFinalState implements [Artifact]: the on-disk file is fingerprinted
// and compared against the model's final version. A committed version that
// was never fingerprinted (an output nothing read back) adopts the on-disk
// fingerprint, and its bytes are preserved in the cache.
func (fa *FileArtifact) CheckFinalState(b *Build, path string) {
	onDisk := NewFileVersion()
	if err := onDisk.Fingerprint(b.ctx, fa.env.store, path); err != nil {
		onDisk = nil
	}
	if cv, ok := fa.content.(*FileVersion); ok && cv.Committed() && !cv.Fingerprinted() && onDisk != nil {
		if h, ok := onDisk.Hash(); ok {
			cv.SetFingerprint(h, onDisk.MTime(), onDisk.Empty())
			if fa.env.store != nil {
				if err := fa.env.store.Link(b.ctx, h, path); err == nil {
					cv.SetCached()
				}
			}
		}
	}
	if cv := fa.content; cv != nil {
		if onDisk == nil || !cv.Matches(onDisk) {
			var observed ContentVersion
			if onDisk != nil {
				observed = onDisk
			}
			b.observeFinalMismatch(fa, cv, observed)
		}
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err == nil {
		onDiskMD := MetadataFromStat(&st)
		if md := fa.metadata; md != nil && !md.Matches(onDiskMD) {
			b.observeFinalMismatch(fa, md, onDiskMD)
		}
	}
}

// ApplyFinalState implements [Artifact].
func (fa *FileArtifact) ApplyFinalState(b *Build, path string) error {
	if fa.path == "" {
		fa.path = path
	}
	if err := fa.CommitAll(b); err != nil {
		log.Warnf(b.ctx, "final state of %s: %v", path, err)
		return err
	}
	return nil
}

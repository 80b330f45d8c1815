// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"rb.256lights.llc/pkg/internal/cas"
)

// Env models the environment a build executes in: the root directory, the
// artifacts resolved so far, the anonymous pipes in flight, and the identity
// (uid, gid, umask) that traced processes run with.
//
// Env owns every artifact. Commands and versions share artifacts by
// reference; nothing outside the env creates them.
type Env struct {
	store *cas.Store

	root   *DirArtifact
	paths  map[string]Artifact
	pipes  []*PipeArtifact
	stdin  *PipeArtifact
	stdout *PipeArtifact
	stderr *PipeArtifact

	umask uint32
	euid  uint32
	egid  uint32

	anon int
}

// NewEnv returns an environment rooted at the host filesystem's root
// directory. store may be nil, in which case files resolved from the host are
// not fingerprinted and no content is linked into a cache; commits and the
// final-state check still hash files directly (useful in tests that only
// exercise resolution).
func NewEnv(store *cas.Store) *Env {
	e := &Env{
		store: store,
		paths: make(map[string]Artifact),
		euid:  uint32(os.Geteuid()),
		egid:  uint32(os.Getegid()),
	}
	old := unix.Umask(0)
	unix.Umask(old)
	e.umask = uint32(old)

	rootMD := NewMetadataVersion(0, 0, unix.S_IFDIR|0o755)
	var st unix.Stat_t
	if err := unix.Lstat("/", &st); err == nil {
		rootMD = MetadataFromStat(&st)
	}
	rootMD.SetCommitted(true)
	e.root = newDirArtifact(e, "/", "/", rootMD, true)
	e.paths["/"] = e.root

	e.stdin = newPipeArtifact(e, "stdin", pipeMetadata(e))
	e.stdout = newPipeArtifact(e, "stdout", pipeMetadata(e))
	e.stderr = newPipeArtifact(e, "stderr", pipeMetadata(e))
	return e
}

func pipeMetadata(e *Env) *MetadataVersion {
	md := NewMetadataVersion(e.euid, e.egid, unix.S_IFIFO|0o600)
	md.SetCommitted(true)
	return md
}

// Store returns the content-addressed store backing this environment.
func (e *Env) Store() *cas.Store { return e.store }

// RootDir returns the root directory artifact.
func (e *Env) RootDir() *DirArtifact { return e.root }

// Stdin returns the standard input artifact.
func (e *Env) Stdin() *PipeArtifact { return e.stdin }

// Stdout returns the standard output artifact.
func (e *Env) Stdout() *PipeArtifact { return e.stdout }

// Stderr returns the standard error artifact.
func (e *Env) Stderr() *PipeArtifact { return e.stderr }

// Umask returns the umask captured at environment creation.
func (e *Env) Umask() uint32 { return e.umask }

// Pipe creates a fresh anonymous pipe artifact.
func (e *Env) Pipe(b *Build, c *Command) *PipeArtifact {
	e.anon++
	pa := newPipeArtifact(e, fmt.Sprintf("<pipe %d>", e.anon), pipeMetadata(e))
	pa.metadata.CreatedBy(c)
	e.pipes = append(e.pipes, pa)
	return pa
}

// createFile creates a fresh anonymous file artifact owned by c.
// The mode is masked by the tracee's umask.
func (e *Env) createFile(b *Build, c *Command, mode uint32) *FileArtifact {
	e.anon++
	md := NewMetadataVersion(e.euid, e.egid, unix.S_IFREG|(mode&^e.umask&0o7777))
	md.CreatedBy(c)
	cv := EmptyFileVersion()
	cv.CreatedBy(c)
	fa := newFileArtifact(e, fmt.Sprintf("<file %d>", e.anon), "", md, cv)
	b.observeOutput(c, fa, md)
	b.observeOutput(c, fa, cv)
	return fa
}

// createSymlink creates a fresh anonymous symlink artifact owned by c.
func (e *Env) createSymlink(b *Build, c *Command, target string) *SymlinkArtifact {
	e.anon++
	md := NewMetadataVersion(e.euid, e.egid, unix.S_IFLNK|0o777)
	md.CreatedBy(c)
	sv := NewSymlinkVersion(target)
	sv.CreatedBy(c)
	sa := newSymlinkArtifact(e, fmt.Sprintf("<symlink %d>", e.anon), "", md, sv)
	b.observeOutput(c, sa, md)
	b.observeOutput(c, sa, sv)
	return sa
}

// createDir creates a fresh anonymous directory artifact owned by c.
func (e *Env) createDir(b *Build, c *Command, mode uint32) *DirArtifact {
	e.anon++
	md := NewMetadataVersion(e.euid, e.egid, unix.S_IFDIR|(mode&^e.umask&0o7777))
	md.CreatedBy(c)
	da := newDirArtifact(e, fmt.Sprintf("<dir %d>", e.anon), "", md, false)
	b.observeOutput(c, da, md)
	return da
}

// GetPath returns an artifact modeling the existing filesystem object at
// path, or nil if nothing is there. Artifacts are cached so repeated lookups
// of the same path yield the same identity.
func (e *Env) GetPath(b *Build, path string) Artifact {
	path = filepath.Clean(path)
	if a, ok := e.paths[path]; ok {
		return a
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil
	}
	md := MetadataFromStat(&st)
	md.SetCommitted(true)

	var a Artifact
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		a = newDirArtifact(e, path, path, md, true)
	case unix.S_IFLNK:
		target, err := os.Readlink(path)
		if err != nil {
			return nil
		}
		sv := NewSymlinkVersion(target)
		sv.SetCommitted(true)
		a = newSymlinkArtifact(e, path, path, md, sv)
	case unix.S_IFREG:
		fv := NewFileVersion()
		if e.store != nil {
			if err := fv.Fingerprint(b.ctx, e.store, path); err != nil {
				log.Debugf(b.ctx, "fingerprint %s: %v", path, err)
			}
		}
		fv.SetCommitted(true)
		a = newFileArtifact(e, path, path, md, fv)
	default:
		// Sockets, devices, and FIFOs on disk are modeled as pipes:
		// no persistent content to track.
		a = newPipeArtifact(e, path, md)
		a.base().path = path
	}
	e.paths[path] = a
	return a
}

// Resolve resolves path against base, applying flags.
// Absolute paths resolve against the environment root.
func (e *Env) Resolve(b *Build, c *Command, base Artifact, path string, flags AccessFlags) *Ref {
	if filepath.IsAbs(path) {
		return e.root.Resolve(b, c, path[1:], flags, symlinkDepthLimit)
	}
	if base == nil {
		base = e.root
	}
	return base.Resolve(b, c, path, flags, symlinkDepthLimit)
}

// CheckFinalState compares every modeled artifact against the disk.
func (e *Env) CheckFinalState(b *Build) {
	e.root.CheckFinalState(b, "/")
}

// ApplyFinalState commits all remaining uncommitted state to disk.
func (e *Env) ApplyFinalState(b *Build) error {
	return e.root.ApplyFinalState(b, "/")
}

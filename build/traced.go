// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// This file holds the trace-side half of the engine: admission of freshly
// observed operations delivered by the tracer. The model is updated the same
// way as during emulation, but the filesystem is the source of truth here, so
// written versions are committed, and the per-artifact access filters decide
// which steps are worth recording at all.

// TracePipeRef admits a traced command creating an anonymous pipe.
func (b *Build) TracePipeRef(c *Command) (readEnd, writeEnd RefID) {
	b.stepsTraced++
	pipe := b.env.Pipe(b, c)
	readEnd = c.NextRef(NewRef(ReadAccess(), pipe))
	writeEnd = c.NextRef(NewRef(WriteAccess(), pipe))
	b.out.PipeRef(c, readEnd, writeEnd)
	return readEnd, writeEnd
}

// TraceFileRef admits a traced command creating an anonymous file.
func (b *Build) TraceFileRef(c *Command, mode uint32) RefID {
	b.stepsTraced++
	fa := b.env.createFile(b, c, mode)
	markCreationCommitted(fa, c)
	id := c.NextRef(NewRef(ReadWriteAccess(), fa))
	b.out.FileRef(c, mode, id)
	return id
}

// TraceSymlinkRef admits a traced command creating an anonymous symlink.
func (b *Build) TraceSymlinkRef(c *Command, target string) RefID {
	b.stepsTraced++
	sa := b.env.createSymlink(b, c, target)
	markCreationCommitted(sa, c)
	id := c.NextRef(NewRef(ReadWriteAccess(), sa))
	b.out.SymlinkRef(c, target, id)
	return id
}

// TraceDirRef admits a traced command creating an anonymous directory.
func (b *Build) TraceDirRef(c *Command, mode uint32) RefID {
	b.stepsTraced++
	da := b.env.createDir(b, c, mode)
	markCreationCommitted(da, c)
	id := c.NextRef(NewRef(ReadWriteAccess(), da))
	b.out.DirRef(c, mode, id)
	return id
}

// TracePathRef admits a traced command resolving a path.
func (b *Build) TracePathRef(c *Command, base RefID, path string, flags AccessFlags) RefID {
	b.stepsTraced++
	id := c.NextRef(nil)
	b.out.PathRef(c, base, path, flags, id)

	baseRef := c.Ref(base)
	if !baseRef.Resolved() {
		log.Warnf(b.ctx, "%v: traced path %s against unresolved reference %d", c, path, base)
		c.SetRef(id, FailedRef(unix.EBADF))
		return id
	}
	r := b.env.Resolve(b, c, baseRef.Artifact(), path, flags)
	c.SetRef(id, r)

	// The kernel performed the creation; the model's view already matches
	// the disk.
	if r.Resolved() && flags.Create {
		markCreationCommitted(r.Artifact(), c)
	}
	return id
}

// markCreationCommitted marks versions created by c as matching the disk.
func markCreationCommitted(a Artifact, c *Command) {
	for _, v := range a.Versions() {
		if v.Creator() == c {
			v.SetCommitted(true)
		}
	}
}

// TraceUsingRef admits a command retaining a handle to a reference.
// Only the first handle produces a recorded step.
func (b *Build) TraceUsingRef(c *Command, ref RefID) {
	r := c.Ref(ref)
	if r == nil {
		return
	}
	if r.AddUser() {
		b.stepsTraced++
		b.out.UsingRef(c, ref)
	}
}

// TraceDoneWithRef admits a command dropping a handle to a reference.
// Only the last close produces a recorded step.
func (b *Build) TraceDoneWithRef(c *Command, ref RefID) {
	r := c.Ref(ref)
	if r == nil {
		return
	}
	if r.RemoveUser() {
		b.stepsTraced++
		b.out.DoneWithRef(c, ref)
	}
}

// TraceCompareRefs admits an observed reference comparison.
func (b *Build) TraceCompareRefs(c *Command, ref1, ref2 RefID, typ RefComparison) {
	b.stepsTraced++
	b.out.CompareRefs(c, ref1, ref2, typ)
}

// TraceExpectResult admits the result code a reference resolved with.
// Pass expected < 0 to use the model's own result.
func (b *Build) TraceExpectResult(c *Command, ref RefID, expected int) {
	b.stepsTraced++
	r := c.Ref(ref)
	errno := unix.Errno(0)
	if expected < 0 {
		errno = r.Errno()
	} else {
		errno = unix.Errno(expected)
	}
	b.out.ExpectResult(c, ScenarioBuild, ref, errno)

	if r.Errno() != errno {
		log.Warnf(b.ctx, "%v: reference resolved to %v, but the syscall returned %v", c, r.Errno(), errno)
	}
}

// TraceMatchMetadata admits a traced command reading an artifact's metadata.
func (b *Build) TraceMatchMetadata(c *Command, ref RefID) {
	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	a := r.Artifact()
	f := &a.base().mdFilter
	if !f.readRequired(b.opts, c, ref) {
		return
	}
	b.stepsTraced++

	expected := a.Metadata(b, c, InputAccessed)
	if expected == nil {
		return
	}
	b.out.MatchMetadata(c, ScenarioBuild, ref, expected)
	f.read(c, ref)
}

// TraceMatchContent admits a traced command reading an artifact's content.
func (b *Build) TraceMatchContent(c *Command, ref RefID) {
	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	a := r.Artifact()
	f := &a.base().cFilter
	if f.selfRead(b.opts, c, ref) {
		return
	}
	if !f.readRequired(b.opts, c, ref) {
		return
	}
	b.stepsTraced++

	observed := a.PeekContent()
	if observed == nil {
		log.Warnf(b.ctx, "%v: no content version for %s", c, a.Name())
		return
	}
	observed.MarkAccessed()
	b.observeInput(c, a, observed, InputAccessed)

	// Reads of another command's output need a fingerprint for later
	// comparison, and the bytes preserved in the cache.
	if observed.Creator() != c {
		b.saveFileContent(a, observed)
	}

	b.out.MatchContent(c, ScenarioBuild, ref, observed)
	f.read(c, ref)
}

// saveFileContent fingerprints a file version and links its bytes into the
// content cache so a later build can restore them.
func (b *Build) saveFileContent(a Artifact, v ContentVersion) {
	fv, ok := v.(*FileVersion)
	if !ok || b.env.store == nil {
		return
	}
	path := a.Path()
	if path == "" {
		return
	}
	if !fv.Fingerprinted() {
		if err := fv.Fingerprint(b.ctx, b.env.store, path); err != nil {
			log.Warnf(b.ctx, "%v", err)
			return
		}
	}
	if h, ok := fv.Hash(); ok && !fv.Cached() {
		if err := b.env.store.Link(b.ctx, h, path); err != nil {
			log.Warnf(b.ctx, "caching %s: %v", path, err)
			return
		}
		fv.SetCached()
	}
}

// TraceUpdateMetadata admits a traced command writing an artifact's metadata.
func (b *Build) TraceUpdateMetadata(c *Command, ref RefID, written *MetadataVersion) {
	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	a := r.Artifact()
	f := &a.base().mdFilter
	if !f.writeRequired(b.opts, c, ref) {
		return
	}
	b.stepsTraced++

	written.CreatedBy(c)
	written.SetCommitted(true)
	a.UpdateMetadata(b, c, written)
	b.out.UpdateMetadata(c, ref, written)
	f.write(c, ref, written)
}

// TraceUpdateContent admits a traced command writing an artifact's content.
func (b *Build) TraceUpdateContent(c *Command, ref RefID, written ContentVersion) {
	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	a := r.Artifact()
	f := &a.base().cFilter
	if !f.writeRequired(b.opts, c, ref) {
		return
	}
	b.stepsTraced++

	written.CreatedBy(c)
	written.SetCommitted(true)
	a.UpdateContent(b, c, written)
	b.out.UpdateContent(c, ref, written)
	f.write(c, ref, written)
}

// TraceAddEntry admits a traced command linking target into a directory.
func (b *Build) TraceAddEntry(c *Command, dir RefID, name string, target RefID) {
	dirRef, targetRef := c.Ref(dir), c.Ref(target)
	if !dirRef.Resolved() || !targetRef.Resolved() {
		return
	}
	da, ok := dirRef.Artifact().(*DirArtifact)
	if !ok {
		return
	}
	b.stepsTraced++
	b.out.AddEntry(c, dir, name, target)
	da.AddEntry(b, c, name, targetRef.Artifact()).SetCommitted(true)
}

// TraceRemoveEntry admits a traced command unlinking target from a directory.
func (b *Build) TraceRemoveEntry(c *Command, dir RefID, name string, target RefID) {
	dirRef, targetRef := c.Ref(dir), c.Ref(target)
	if !dirRef.Resolved() || !targetRef.Resolved() {
		return
	}
	da, ok := dirRef.Artifact().(*DirArtifact)
	if !ok {
		return
	}
	b.stepsTraced++
	b.out.RemoveEntry(c, dir, name, target)
	da.RemoveEntry(b, c, name, targetRef.Artifact()).SetCommitted(true)
}

// TraceLaunch admits a traced command starting a child process. The child is
// matched against previously recorded children where possible so the process
// re-attaches to its command. fds maps descriptor numbers to references in
// the launching command's table.
func (b *Build) TraceLaunch(c *Command, exeRef RefID, args []string, fds map[int]FileDescriptor, cwdRef, rootRef RefID) *Command {
	b.stepsTraced++
	b.commandsTraced++

	mappings := []RefMapping{
		{Parent: rootRef, Child: RefRoot},
		{Parent: cwdRef, Child: RefCWD},
		{Parent: exeRef, Child: RefExe},
	}
	childFDs := make(map[int]FileDescriptor, len(fds))
	next := firstCustomRef
	for fd, desc := range fds {
		var childID RefID
		switch fd {
		case 0:
			childID = RefStdin
		case 1:
			childID = RefStdout
		case 2:
			childID = RefStderr
		default:
			childID = next
			next++
		}
		mappings = append(mappings, RefMapping{Parent: desc.Ref, Child: childID})
		childFDs[fd] = FileDescriptor{Ref: childID, Write: desc.Write}
	}

	exe := c.Ref(exeRef).Artifact()
	cwd := c.Ref(cwdRef).Artifact()
	root := c.Ref(rootRef).Artifact()

	child := c.FindChild(exe, cwd, root, args, childFDs)
	if child == nil {
		child = NewCommand(args, childFDs)
		c.AddChild(child)
		log.Debugf(b.ctx, "no recorded command matches %v", child)
	} else {
		log.Debugf(b.ctx, "matched recorded command %v", child)
	}
	for _, m := range mappings {
		child.SetRef(m.Child, c.Ref(m.Parent))
	}
	child.SetExecuted()

	b.out.Launch(c, child, mappings)
	b.observeLaunch(c, child)

	if b.opts.PrintOnRun {
		fmt.Println(child.ShortName(b.opts.CommandLength))
	}
	b.prepareLaunch(child)
	return child
}

// TraceJoin admits a traced command waiting for a child.
func (b *Build) TraceJoin(c *Command, child *Command, exitStatus int) {
	b.stepsTraced++
	b.out.Join(c, child, exitStatus)
	child.SetExitStatus(exitStatus)
}

// TraceExit admits a traced command exiting.
func (b *Build) TraceExit(c *Command, exitStatus int) {
	b.stepsTraced++
	b.out.Exit(c, exitStatus)
	b.exited.Add(c)
	c.SetExitStatus(exitStatus)
}

// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import "golang.org/x/sys/unix"

// PostBuildChecker is a [Sink] pass that runs over a completed build's trace
// and adds predicates checking the state the build left behind. On the next
// invocation those predicates detect changes made between builds, such as a
// user deleting an intermediate output.
//
// For every build-scenario predicate it forwards, it emits a matching
// post-build predicate reading the current state of the same reference.
// Updates also get a post-build predicate so outputs are re-checked.
// Stale post-build predicates from the previous pass are dropped.
type PostBuildChecker struct {
	out Sink
}

// NewPostBuildChecker returns a checker that forwards to out, reading current
// artifact state through the commands' resolved references.
func NewPostBuildChecker(out Sink) *PostBuildChecker {
	return &PostBuildChecker{out: out}
}

// SpecialRef implements [Sink].
func (pc *PostBuildChecker) SpecialRef(c *Command, entity SpecialEntity, output RefID) {
	pc.out.SpecialRef(c, entity, output)
}

// PipeRef implements [Sink].
func (pc *PostBuildChecker) PipeRef(c *Command, readEnd, writeEnd RefID) {
	pc.out.PipeRef(c, readEnd, writeEnd)
}

// FileRef implements [Sink].
func (pc *PostBuildChecker) FileRef(c *Command, mode uint32, output RefID) {
	pc.out.FileRef(c, mode, output)
}

// SymlinkRef implements [Sink].
func (pc *PostBuildChecker) SymlinkRef(c *Command, target string, output RefID) {
	pc.out.SymlinkRef(c, target, output)
}

// DirRef implements [Sink].
func (pc *PostBuildChecker) DirRef(c *Command, mode uint32, output RefID) {
	pc.out.DirRef(c, mode, output)
}

// PathRef implements [Sink].
func (pc *PostBuildChecker) PathRef(c *Command, base RefID, path string, flags AccessFlags, output RefID) {
	pc.out.PathRef(c, base, path, flags, output)
}

// UsingRef implements [Sink].
func (pc *PostBuildChecker) UsingRef(c *Command, ref RefID) {
	pc.out.UsingRef(c, ref)
}

// DoneWithRef implements [Sink].
func (pc *PostBuildChecker) DoneWithRef(c *Command, ref RefID) {
	pc.out.DoneWithRef(c, ref)
}

// CompareRefs implements [Sink].
func (pc *PostBuildChecker) CompareRefs(c *Command, ref1, ref2 RefID, typ RefComparison) {
	pc.out.CompareRefs(c, ref1, ref2, typ)
}

// ExpectResult implements [Sink].
func (pc *PostBuildChecker) ExpectResult(c *Command, scenario Scenario, ref RefID, expected unix.Errno) {
	if scenario != ScenarioBuild {
		return
	}
	pc.out.ExpectResult(c, ScenarioBuild, ref, expected)
	pc.out.ExpectResult(c, ScenarioPostBuild, ref, c.Ref(ref).Errno())
}

// MatchMetadata implements [Sink].
func (pc *PostBuildChecker) MatchMetadata(c *Command, scenario Scenario, ref RefID, expected *MetadataVersion) {
	if scenario != ScenarioBuild {
		return
	}
	pc.out.MatchMetadata(c, ScenarioBuild, ref, expected)
	if r := c.Ref(ref); r.Resolved() {
		if current := r.Artifact().PeekMetadata(); current != nil {
			pc.out.MatchMetadata(c, ScenarioPostBuild, ref, current)
		}
	}
}

// MatchContent implements [Sink].
func (pc *PostBuildChecker) MatchContent(c *Command, scenario Scenario, ref RefID, expected ContentVersion) {
	if scenario != ScenarioBuild {
		return
	}
	pc.out.MatchContent(c, ScenarioBuild, ref, expected)
	pc.emitPostBuildContent(c, ref)
}

// UpdateMetadata implements [Sink].
func (pc *PostBuildChecker) UpdateMetadata(c *Command, ref RefID, v *MetadataVersion) {
	pc.out.UpdateMetadata(c, ref, v)
	if r := c.Ref(ref); r.Resolved() {
		if current := r.Artifact().PeekMetadata(); current != nil {
			pc.out.MatchMetadata(c, ScenarioPostBuild, ref, current)
		}
	}
}

// UpdateContent implements [Sink].
func (pc *PostBuildChecker) UpdateContent(c *Command, ref RefID, v ContentVersion) {
	pc.out.UpdateContent(c, ref, v)
	pc.emitPostBuildContent(c, ref)
}

func (pc *PostBuildChecker) emitPostBuildContent(c *Command, ref RefID) {
	r := c.Ref(ref)
	if !r.Resolved() {
		return
	}
	if _, isPipe := r.Artifact().(*PipeArtifact); isPipe {
		// Pipes have no post-build state to check.
		return
	}
	if current := r.Artifact().PeekContent(); current != nil {
		pc.out.MatchContent(c, ScenarioPostBuild, ref, current)
	}
}

// AddEntry implements [Sink].
func (pc *PostBuildChecker) AddEntry(c *Command, dir RefID, name string, target RefID) {
	pc.out.AddEntry(c, dir, name, target)
}

// RemoveEntry implements [Sink].
func (pc *PostBuildChecker) RemoveEntry(c *Command, dir RefID, name string, target RefID) {
	pc.out.RemoveEntry(c, dir, name, target)
}

// Launch implements [Sink].
func (pc *PostBuildChecker) Launch(c *Command, child *Command, refs []RefMapping) {
	pc.out.Launch(c, child, refs)
}

// Join implements [Sink].
func (pc *PostBuildChecker) Join(c *Command, child *Command, exitStatus int) {
	pc.out.Join(c, child, exitStatus)
}

// Exit implements [Sink].
func (pc *PostBuildChecker) Exit(c *Command, exitStatus int) {
	pc.out.Exit(c, exitStatus)
}

// Finish implements [Sink].
func (pc *PostBuildChecker) Finish() error {
	return pc.out.Finish()
}

var _ Sink = (*PostBuildChecker)(nil)

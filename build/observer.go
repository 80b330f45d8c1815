// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import "golang.org/x/sys/unix"

// An Observer receives dependency and change information as the engine walks
// a trace. The rebuild planner is the primary implementation.
type Observer interface {
	// ObserveCommandNeverRun is called when an emulated launch names a
	// command that has never actually executed.
	ObserveCommandNeverRun(c *Command)

	// ObserveLaunch is called when parent launches child.
	// parent is nil for the root command.
	ObserveLaunch(parent, child *Command)

	// ObserveOutput is called when c modifies artifact a, creating version v.
	ObserveOutput(c *Command, a Artifact, v Version)

	// ObserveInput is called when c depends on version v of artifact a.
	ObserveInput(c *Command, a Artifact, v Version, t InputType)

	// ObserveMismatch is called when c expected one version of a but the
	// model holds another.
	ObserveMismatch(c *Command, scenario Scenario, a Artifact, observed, expected Version)

	// ObserveFinalMismatch is called at the end of a build when the on-disk
	// state of a does not match what the build produced.
	ObserveFinalMismatch(a Artifact, produced, ondisk Version)

	// ObserveResolutionChange is called when a reference resolved with a
	// different result code than the trace expected.
	ObserveResolutionChange(c *Command, scenario Scenario, ref *Ref, expected unix.Errno)

	// ObserveRefMismatch is called when two references did not compare as
	// expected.
	ObserveRefMismatch(c *Command, ref1, ref2 *Ref, typ RefComparison)

	// ObserveExitCodeChange is called when child exited with a different
	// status than parent expected.
	ObserveExitCodeChange(parent, child *Command, expected, observed int)
}

// BaseObserver is an [Observer] that ignores everything.
// Embed it to implement only the signals of interest.
type BaseObserver struct{}

func (BaseObserver) ObserveCommandNeverRun(*Command)                                 {}
func (BaseObserver) ObserveLaunch(parent, child *Command)                            {}
func (BaseObserver) ObserveOutput(*Command, Artifact, Version)                       {}
func (BaseObserver) ObserveInput(*Command, Artifact, Version, InputType)             {}
func (BaseObserver) ObserveMismatch(*Command, Scenario, Artifact, Version, Version)  {}
func (BaseObserver) ObserveFinalMismatch(Artifact, Version, Version)                 {}
func (BaseObserver) ObserveResolutionChange(*Command, Scenario, *Ref, unix.Errno)    {}
func (BaseObserver) ObserveRefMismatch(*Command, *Ref, *Ref, RefComparison)          {}
func (BaseObserver) ObserveExitCodeChange(parent, child *Command, expected, got int) {}

var _ Observer = BaseObserver{}

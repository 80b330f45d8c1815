// Copyright 2025 Roxy Light
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"iter"

	"golang.org/x/sys/unix"

	"rb.256lights.llc/pkg/internal/xslices"
	"rb.256lights.llc/pkg/sets"
)

// RebuildPlan is the answer the planner produces: the set of commands that
// must be re-executed rather than emulated, each with a reason.
type RebuildPlan struct {
	mustRun sets.Set[*Command]
	reasons map[*Command]string
}

// NewRebuildPlan returns an empty plan: everything can be emulated.
func NewRebuildPlan() *RebuildPlan {
	return &RebuildPlan{
		mustRun: make(sets.Set[*Command]),
		reasons: make(map[*Command]string),
	}
}

// MustRerun reports whether c has to be re-executed.
func (p *RebuildPlan) MustRerun(c *Command) bool { return p.mustRun.Has(c) }

// CanEmulate reports whether c's recorded steps can be replayed.
func (p *RebuildPlan) CanEmulate(c *Command) bool { return !p.MustRerun(c) }

// Reason returns why c must rerun.
func (p *RebuildPlan) Reason(c *Command) string { return p.reasons[c] }

// Len returns the number of commands that must rerun.
func (p *RebuildPlan) Len() int { return p.mustRun.Len() }

// Commands iterates over the commands that must rerun.
func (p *RebuildPlan) Commands() iter.Seq[*Command] { return p.mustRun.All() }

func (p *RebuildPlan) add(c *Command, reason string) bool {
	if p.mustRun.Has(c) {
		return false
	}
	p.mustRun.Add(c)
	p.reasons[c] = reason
	return true
}

// RebuildPlanner consumes the signals emitted while emulating a trace and
// derives the must-rerun set: directly changed commands, plus every command
// that consumed an output of a rerunning command, plus every command that
// must run again to produce an input the engine cannot restore.
type RebuildPlanner struct {
	BaseObserver

	// changed maps directly invalidated commands to the first reason seen.
	changed map[*Command]string
	// users maps a producer to the commands that consumed its outputs.
	users map[*Command]sets.Set[*Command]
	// needs maps a consumer to producers whose outputs the engine cannot
	// restore from the cache.
	needs map[*Command]sets.Set[*Command]
	// order records commands in launch order for deterministic reporting.
	order []*Command
	seen  sets.Set[*Command]
}

// NewRebuildPlanner returns a planner ready to observe an emulation pass.
func NewRebuildPlanner() *RebuildPlanner {
	return &RebuildPlanner{
		changed: make(map[*Command]string),
		users:   make(map[*Command]sets.Set[*Command]),
		needs:   make(map[*Command]sets.Set[*Command]),
		seen:    make(sets.Set[*Command]),
	}
}

func (rp *RebuildPlanner) markChanged(c *Command, reason string) {
	if c == nil {
		return
	}
	if _, ok := rp.changed[c]; !ok {
		rp.changed[c] = reason
	}
}

// ObserveCommandNeverRun implements [Observer].
func (rp *RebuildPlanner) ObserveCommandNeverRun(c *Command) {
	rp.markChanged(c, "never run")
}

// ObserveLaunch implements [Observer].
func (rp *RebuildPlanner) ObserveLaunch(parent, child *Command) {
	if child == nil || rp.seen.Has(child) {
		return
	}
	rp.seen.Add(child)
	rp.order = append(rp.order, child)
}

// ObserveInput implements [Observer]. Consuming another command's output
// creates the dependency edges rebuild propagation walks.
func (rp *RebuildPlanner) ObserveInput(c *Command, a Artifact, v Version, t InputType) {
	creator := v.Creator()
	if c == nil || creator == nil || creator == c {
		return
	}
	addEdge(rp.users, creator, c)
	if !restorable(v) {
		addEdge(rp.needs, c, creator)
	}
}

// restorable reports whether the engine could reproduce v without rerunning
// its creator.
func restorable(v Version) bool {
	if v.Committed() {
		return true
	}
	if cv, ok := v.(ContentVersion); ok {
		return cv.CanCommit()
	}
	return true
}

// ObserveMismatch implements [Observer].
func (rp *RebuildPlanner) ObserveMismatch(c *Command, scenario Scenario, a Artifact, observed, expected Version) {
	if expected == nil {
		rp.markChanged(c, fmt.Sprintf("%s of %s changed", "state", a.Name()))
		return
	}
	rp.markChanged(c, fmt.Sprintf("%s of %s changed (%s scenario)", expected.TypeName(), a.Name(), scenario))
}

// ObserveResolutionChange implements [Observer].
func (rp *RebuildPlanner) ObserveResolutionChange(c *Command, scenario Scenario, ref *Ref, expected unix.Errno) {
	rp.markChanged(c, fmt.Sprintf("%v resolved differently (%s scenario)", ref, scenario))
}

// ObserveRefMismatch implements [Observer].
func (rp *RebuildPlanner) ObserveRefMismatch(c *Command, ref1, ref2 *Ref, typ RefComparison) {
	rp.markChanged(c, fmt.Sprintf("references no longer compare %v", typ))
}

// ObserveExitCodeChange implements [Observer].
func (rp *RebuildPlanner) ObserveExitCodeChange(parent, child *Command, expected, observed int) {
	rp.markChanged(parent, fmt.Sprintf("child %v exited %d, expected %d", child, observed, expected))
}

func addEdge(m map[*Command]sets.Set[*Command], k, v *Command) {
	dst := m[k]
	if dst == nil {
		dst = make(sets.Set[*Command])
		m[k] = dst
	}
	dst.Add(v)
}

// Plan computes the must-rerun closure. Propagation terminates because the
// launch graph is a finite tree and every command is added at most once.
func (rp *RebuildPlanner) Plan() *RebuildPlan {
	plan := NewRebuildPlan()
	var work []*Command
	for c, reason := range rp.changed {
		if plan.add(c, reason) {
			work = append(work, c)
		}
	}
	for len(work) > 0 {
		c := xslices.Last(work)
		work = xslices.Pop(work, 1)

		// Everything that consumed c's outputs sees new inputs.
		for user := range rp.users[c].All() {
			if plan.add(user, fmt.Sprintf("consumes output of %v", c)) {
				work = append(work, user)
			}
		}
		// Producers of inputs the engine cannot restore must run first.
		for producer := range rp.needs[c].All() {
			if plan.add(producer, fmt.Sprintf("must produce input for %v", c)) {
				work = append(work, producer)
			}
		}
	}
	return plan
}

// Order returns commands in launch order; commands in the must-rerun set can
// be reported deterministically by filtering this.
func (rp *RebuildPlanner) Order() []*Command { return rp.order }

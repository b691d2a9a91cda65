// Package state persists the progress of a plan run so an interrupted run
// can resume without repeating completed steps.
package state

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/stevehiehn/tmtgo/internal/guest"
)

// Status of one step.
type Status string

const (
	NotStarted Status = "not-started"
	Running    Status = "running"
	Done       Status = "done"
	Failed     Status = "failed"
	Skipped    Status = "skipped"
)

// StepState is the progress of one pipeline step.
type StepState struct {
	Name     string     `yaml:"name" json:"name"`
	Status   Status     `yaml:"status" json:"status"`
	Started  *time.Time `yaml:"started,omitempty" json:"started,omitempty"`
	Finished *time.Time `yaml:"finished,omitempty" json:"finished,omitempty"`
	Error    string     `yaml:"error,omitempty" json:"error,omitempty"`
}

// Duration of a finished step, zero otherwise.
func (s StepState) Duration() time.Duration {
	if s.Started == nil || s.Finished == nil {
		return 0
	}
	return s.Finished.Sub(*s.Started)
}

// RunState is the persisted record of one plan run.
type RunState struct {
	RunID       string         `yaml:"run-id"`
	Plan        string         `yaml:"plan"`
	Fingerprint string         `yaml:"fingerprint"`
	Created     time.Time      `yaml:"created"`
	Updated     time.Time      `yaml:"updated"`
	Steps       []StepState    `yaml:"steps"`
	Guests      []guest.Record `yaml:"guests,omitempty"`
}

// New returns a state with every step NotStarted.
func New(runID, plan, fingerprint string, steps []string) *RunState {
	now := time.Now().UTC()
	rs := &RunState{RunID: runID, Plan: plan, Fingerprint: fingerprint, Created: now, Updated: now}
	for _, s := range steps {
		rs.Steps = append(rs.Steps, StepState{Name: s, Status: NotStarted})
	}
	return rs
}

// Step returns the named step, or nil.
func (rs *RunState) Step(name string) *StepState {
	for i := range rs.Steps {
		if rs.Steps[i].Name == name {
			return &rs.Steps[i]
		}
	}
	return nil
}

// Set updates the status of a step and its timestamps.
func (rs *RunState) Set(name string, status Status, err error) {
	s := rs.Step(name)
	if s == nil {
		rs.Steps = append(rs.Steps, StepState{Name: name})
		s = &rs.Steps[len(rs.Steps)-1]
	}
	now := time.Now().UTC()
	switch status {
	case Running:
		s.Started = &now
		s.Finished = nil
		s.Error = ""
	case Done, Failed:
		s.Finished = &now
	}
	s.Status = status
	if err != nil {
		s.Error = err.Error()
	}
	rs.Updated = now
}

// FirstPending returns the first step not Done, or "" when all are.
func (rs *RunState) FirstPending() string {
	for _, s := range rs.Steps {
		if s.Status != Done {
			return s.Name
		}
	}
	return ""
}

// Reopen returns step and every step after it to NotStarted, so a resumed
// run repeats them. Steps before it keep their status.
func (rs *RunState) Reopen(step string) {
	reopen := false
	for i := range rs.Steps {
		if rs.Steps[i].Name == step {
			reopen = true
		}
		if reopen {
			rs.Steps[i] = StepState{Name: rs.Steps[i].Name, Status: NotStarted}
		}
	}
	rs.Updated = time.Now().UTC()
}

// Guest returns the record of the named guest, or nil.
func (rs *RunState) Guest(name string) *guest.Record {
	for i := range rs.Guests {
		if rs.Guests[i].Name == name {
			return &rs.Guests[i]
		}
	}
	return nil
}

// PutGuest inserts or replaces a guest record.
func (rs *RunState) PutGuest(rec guest.Record) {
	if existing := rs.Guest(rec.Name); existing != nil {
		*existing = rec
		return
	}
	rs.Guests = append(rs.Guests, rec)
}

// String renders the state for a terminal.
func (rs *RunState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", rs.RunID)
	fmt.Fprintf(&b, "Plan: %s\n", rs.Plan)
	fmt.Fprintf(&b, "Updated: %s\n", humanize.Time(rs.Updated))
	for _, s := range rs.Steps {
		line := fmt.Sprintf("  %-10s %s", s.Name, s.Status)
		if d := s.Duration(); d > 0 {
			line += fmt.Sprintf(" (%s)", d.Round(time.Millisecond))
		}
		if s.Error != "" {
			line += ": " + s.Error
		}
		b.WriteString(line + "\n")
	}
	for _, g := range rs.Guests {
		status := "running"
		switch {
		case g.Stopped:
			status = "stopped"
		case g.Ready:
			status = "ready"
		}
		fmt.Fprintf(&b, "  guest %s (%s) %s, reboots: %d\n", g.Name, g.Method, status, g.RebootCount)
	}
	return b.String()
}

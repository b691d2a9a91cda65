package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Error type constants
const (
	ValidationError    = "VALIDATION_ERROR"
	SchemaInvalid      = "SCHEMA_ERROR"
	CapabilityMismatch = "CAPABILITY_MISMATCH"
	GuestIO            = "GUEST_IO"
	StepFailed         = "STEP_FAILED"
	StateMismatch      = "STATE_MISMATCH"
	Timeout            = "TIMEOUT"
	Cancelled          = "CANCELLED"
)

// OutputLines is the number of trailing output lines shown for a failed
// guest command unless verbose output is requested.
var OutputLines = 100

// RunError is a structured error for CLI and tool consumption.
type RunError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Cause   error  `json:"-"`
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Step != "" {
		msg = fmt.Sprintf("[%s] step %s: %s", e.Type, e.Step, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Cause }

func NewValidationError(msg, hint string) *RunError {
	return &RunError{Type: ValidationError, Message: msg, Hint: hint}
}

// SchemaError aggregates structural issues found in a hardware tree or a
// result record.
type SchemaError struct {
	Subject string
	Issues  []string
}

func (e *SchemaError) Error() string {
	subject := e.Subject
	if subject == "" {
		subject = "document"
	}
	if len(e.Issues) == 0 {
		return subject + " failed schema validation"
	}
	return subject + " failed schema validation: " + strings.Join(e.Issues, "; ")
}

// Add records an issue; blank issues are ignored.
func (e *SchemaError) Add(format string, args ...any) {
	issue := strings.TrimSpace(fmt.Sprintf(format, args...))
	if issue == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

// OrNil returns e if it carries at least one issue.
func (e *SchemaError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// CapabilityMismatchError means no candidate machine satisfies a guest's
// hardware requirement.
type CapabilityMismatchError struct {
	Guest      string
	Candidates int
	// Cause is set when the backend rejected the requirement itself.
	Cause error
}

func (e *CapabilityMismatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("guest %q: hardware requirement rejected: %v", e.Guest, e.Cause)
	}
	return fmt.Sprintf("guest %q: hardware requirement not satisfied by any of %d candidate(s)", e.Guest, e.Candidates)
}

func (e *CapabilityMismatchError) Unwrap() error { return e.Cause }

// GuestIOError is a backend command or transfer failure.
type GuestIOError struct {
	Guest    string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Cause    error
}

func (e *GuestIOError) Error() string {
	msg := fmt.Sprintf("guest %q: %s failed", e.Guest, e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GuestIOError) Unwrap() error { return e.Cause }

// Output renders captured stdout and stderr, keeping only the last
// OutputLines lines of each unless full is set.
func (e *GuestIOError) Output(full bool) string {
	var sb strings.Builder
	for _, stream := range []struct{ name, text string }{{"stdout", e.Stdout}, {"stderr", e.Stderr}} {
		text := strings.TrimRight(stream.text, "\n")
		if text == "" {
			continue
		}
		if !full {
			text = Truncate(text, OutputLines)
		}
		fmt.Fprintf(&sb, "%s:\n%s\n", stream.name, indent(text))
	}
	return sb.String()
}

// FatalPipelineError aborts the remaining normal steps of a plan.
type FatalPipelineError struct {
	Step  string
	Cause error
}

func (e *FatalPipelineError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("step %s failed", e.Step)
	}
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Cause)
}

func (e *FatalPipelineError) Unwrap() error { return e.Cause }

// StateMismatchError is returned when a persisted run does not belong to the
// plan definition it is resumed with.
type StateMismatchError struct {
	Plan string
	Want string
	Got  string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("plan %q changed since the run was started (fingerprint %s, run has %s)", e.Plan, e.Want, e.Got)
}

// Truncate keeps the last n lines of text.
func Truncate(text string, n int) string {
	lines := strings.Split(text, "\n")
	if n <= 0 || len(lines) <= n {
		return text
	}
	omitted := len(lines) - n
	return fmt.Sprintf("(... %d lines omitted)\n%s", omitted, strings.Join(lines[omitted:], "\n"))
}

// Describe renders err and every error it wraps, effect first, each cause
// on its own line. Captured guest output is truncated unless verbose.
func Describe(err error, verbose bool) string {
	var sb strings.Builder
	depth := 0
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		next := stderrors.Unwrap(e)
		msg := e.Error()
		if next != nil {
			msg = strings.TrimSuffix(msg, ": "+next.Error())
		}
		if depth == 0 {
			sb.WriteString(msg + "\n")
		} else {
			sb.WriteString(strings.Repeat("  ", depth-1) + "caused by: " + msg + "\n")
		}
		if gio, ok := e.(*GuestIOError); ok {
			sb.WriteString(gio.Output(verbose))
		}
		depth++
	}
	return sb.String()
}

func indent(text string) string {
	return "    " + strings.ReplaceAll(text, "\n", "\n    ")
}

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestRunErrorIncludesStepAndCause(t *testing.T) {
	err := &RunError{Type: StepFailed, Step: "provision", Message: "no guest", Cause: fmt.Errorf("boom")}
	got := err.Error()
	if got != "[STEP_FAILED] step provision: no guest: boom" {
		t.Errorf("unexpected message %q", got)
	}
	if !stderrors.Is(err, err.Cause) {
		t.Error("expected cause to be reachable via errors.Is")
	}
}

func TestSchemaErrorOrNil(t *testing.T) {
	e := &SchemaError{Subject: "hardware"}
	if e.OrNil() != nil {
		t.Fatal("expected nil for error without issues")
	}
	e.Add("unknown key %q", "cpu.speed")
	e.Add("  ")
	if len(e.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(e.Issues))
	}
	if e.OrNil() == nil {
		t.Fatal("expected non-nil error")
	}
	if !strings.Contains(e.Error(), `unknown key "cpu.speed"`) {
		t.Errorf("unexpected message %q", e.Error())
	}
}

func TestTruncateKeepsLastLines(t *testing.T) {
	var lines []string
	for i := 1; i <= 150; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	got := Truncate(strings.Join(lines, "\n"), OutputLines)
	if !strings.HasPrefix(got, "(... 50 lines omitted)\nline 51\n") {
		t.Errorf("unexpected head: %q", got[:40])
	}
	if !strings.HasSuffix(got, "line 150") {
		t.Error("expected last line to be kept")
	}
	if Truncate("a\nb", 5) != "a\nb" {
		t.Error("short output must be unchanged")
	}
}

func TestDescribeWalksChainEffectFirst(t *testing.T) {
	gio := &GuestIOError{Guest: "server", Command: "systemctl start httpd", ExitCode: 1, Stderr: "unit not found"}
	err := &FatalPipelineError{Step: "prepare", Cause: fmt.Errorf("phase %q: %w", "services", gio)}

	got := Describe(err, false)
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if lines[0] != "step prepare failed" {
		t.Errorf("expected effect first, got %q", lines[0])
	}
	if lines[1] != `caused by: phase "services"` {
		t.Errorf("unexpected second line %q", lines[1])
	}
	if !strings.Contains(lines[2], `guest "server": systemctl start httpd failed with exit code 1`) {
		t.Errorf("unexpected third line %q", lines[2])
	}
	if !strings.Contains(got, "unit not found") {
		t.Error("expected captured stderr in description")
	}
}

func TestDescribeVerboseShowsFullOutput(t *testing.T) {
	var out strings.Builder
	for i := 0; i < OutputLines+20; i++ {
		fmt.Fprintf(&out, "out %d\n", i)
	}
	gio := &GuestIOError{Guest: "g", Command: "make", ExitCode: 2, Stdout: out.String()}

	if strings.Contains(Describe(gio, false), "out 0\n") {
		t.Error("expected first lines to be truncated by default")
	}
	if !strings.Contains(Describe(gio, true), "out 0\n") {
		t.Error("expected full output in verbose mode")
	}
}

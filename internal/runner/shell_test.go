package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func run(command string) *ShellResult {
	return RunContext(context.Background(), Request{Command: command, Inherit: true})
}

func TestRunEchoHello(t *testing.T) {
	r := run("echo hello")
	if r.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", r.ExitCode)
	}
	if strings.TrimSpace(r.Stdout) != "hello" {
		t.Errorf("expected stdout 'hello', got %q", r.Stdout)
	}
}

func TestRunCaptureStderr(t *testing.T) {
	r := run("echo error >&2")
	if r.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", r.ExitCode)
	}
	if strings.TrimSpace(r.Stderr) != "error" {
		t.Errorf("expected stderr 'error', got %q", r.Stderr)
	}
}

func TestRunNonZeroExitCode(t *testing.T) {
	r := run("exit 42")
	if r.ExitCode != 42 {
		t.Errorf("expected exit code 42, got %d", r.ExitCode)
	}
}

func TestRunPipesWork(t *testing.T) {
	r := run("echo hello world | wc -w")
	if r.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", r.ExitCode)
	}
	if strings.TrimSpace(r.Stdout) != "2" {
		t.Errorf("expected stdout '2', got %q", strings.TrimSpace(r.Stdout))
	}
}

func TestRunContextPassesExplicitEnvOnly(t *testing.T) {
	t.Setenv("TMTGO_LEAK", "yes")
	r := RunContext(context.Background(), Request{
		Command: `echo "$TMT_TEST_NAME:$TMTGO_LEAK"`,
		Env:     map[string]string{"TMT_TEST_NAME": "/smoke"},
	})
	if strings.TrimSpace(r.Stdout) != "/smoke:" {
		t.Errorf("expected only explicit environment, got %q", r.Stdout)
	}
}

func TestRunContextStdinAndDir(t *testing.T) {
	dir := t.TempDir()
	r := RunContext(context.Background(), Request{Command: "cat > in.txt && pwd", Dir: dir, Stdin: strings.NewReader("data")})
	if r.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", r.ExitCode, r.Stderr)
	}
	if !strings.HasSuffix(strings.TrimSpace(r.Stdout), dir[strings.LastIndex(dir, "/"):]) {
		t.Errorf("expected command to run in %s, got %q", dir, r.Stdout)
	}
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	r := RunContext(ctx, Request{Command: "sleep 5"})
	if r.ExitCode == 0 {
		t.Error("expected non-zero exit code for killed command")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("expected command to be killed on context expiry")
	}
}

func TestExecMissingBinary(t *testing.T) {
	r := Exec(context.Background(), Request{}, "/nonexistent/tool")
	if r.Err == nil {
		t.Error("expected start error")
	}
}

package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"
)

// ShellResult holds the output of a shell command.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is set when the command could not be started at all.
	Err error
}

const waitDelay = time.Second

// Request describes one command invocation.
type Request struct {
	Command string
	Dir     string
	Env     map[string]string
	Stdin   io.Reader
	// Shell defaults to sh.
	Shell string
	// Inherit keeps the calling process environment under Env.
	Inherit bool
}

// RunContext executes req.Command via "<shell> -c". Cancelling ctx kills
// the process.
func RunContext(ctx context.Context, req Request) *ShellResult {
	shell := req.Shell
	if shell == "" {
		shell = "sh"
	}
	return Exec(ctx, req, shell, "-c", req.Command)
}

// Exec runs argv directly, without a shell, using the directory, environment
// and stdin of req.
func Exec(ctx context.Context, req Request, name string, args ...string) *ShellResult {
	cmd := exec.CommandContext(ctx, name, args...)
	// children may keep the output pipes open after the shell is killed
	cmd.WaitDelay = waitDelay
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = Environ(req.Env, req.Inherit)
	if req.Stdin != nil {
		cmd.Stdin = req.Stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	var startErr error
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if exitCode < 0 {
				// killed by signal, e.g. on context expiry
				exitCode = 1
			}
		} else {
			exitCode = 1
			startErr = err
		}
	}

	return &ShellResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Err:      startErr,
	}
}

// Environ renders env as KEY=VALUE pairs in a stable order, optionally on
// top of the current process environment.
func Environ(env map[string]string, inherit bool) []string {
	var out []string
	if inherit {
		out = os.Environ()
	} else {
		// keep PATH so the shell itself can be found
		out = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

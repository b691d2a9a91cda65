// Package sshtest runs an in-process SSH server executing commands on the
// host, for transport and backend tests.
package sshtest

import (
	"errors"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	gssh "github.com/gliderlabs/ssh"
)

// Server is a running test SSH server.
type Server struct {
	Address string
	Port    int

	mu       sync.Mutex
	commands []string
}

// Commands returns every command received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Start serves on a random local port until the test ends. Any client is
// accepted.
func Start(t *testing.T) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{}
	srv := &gssh.Server{Handler: s.handle}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.Address = host
	s.Port, _ = strconv.Atoi(port)
	return s
}

func (s *Server) handle(session gssh.Session) {
	command := session.RawCommand()
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	if command == "" {
		io.WriteString(session.Stderr(), "interactive sessions are not supported\n")
		session.Exit(1)
		return
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = session
	cmd.Stdout = session
	cmd.Stderr = session.Stderr()
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = 255
	}
	session.Exit(code)
}

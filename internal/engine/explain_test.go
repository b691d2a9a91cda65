package engine

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExplain(t *testing.T) {
	p := loadPlan(t, `
name: /plans/multihost
summary: Client and server
provision:
  - name: server
    how: local
    role: server
    hardware:
      memory: ">= 1 GiB"
  - name: client
    how: local
    role: client
prepare:
  - name: address
    how: shell
    where: client
    script: echo ready
  - how: install
    package: [curl]
    order: 10
discover:
  filter: ["/serve*", "/connect"]
  tests:
    - name: /serve
      where: server
      test: "true"
    - name: /connect
      where: client
      test: "true"
    - name: /skipped
      test: "true"
`)
	ex, err := Explain(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ex.Guests) != 2 {
		t.Fatalf("expected 2 guests, got %d", len(ex.Guests))
	}
	server, client := ex.Guests[0], ex.Guests[1]
	if diff := cmp.Diff([]string{"/serve"}, server.Tests); diff != "" {
		t.Errorf("server tests mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/connect"}, client.Tests); diff != "" {
		t.Errorf("client tests mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"server"}, client.WaitFor); diff != "" {
		t.Errorf("client wait-for mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(server.Hardware, "memory") {
		t.Errorf("expected memory requirement, got %q", server.Hardware)
	}
	if client.Hardware != "" {
		t.Errorf("expected no hardware for client, got %q", client.Hardware)
	}

	if len(ex.Prepare) != 2 {
		t.Fatalf("expected 2 prepare phases, got %d", len(ex.Prepare))
	}
	if ex.Prepare[0].How != "install" {
		t.Errorf("expected install phase first, got %+v", ex.Prepare[0])
	}
	if diff := cmp.Diff([]string{"client"}, ex.Prepare[1].Guests); diff != "" {
		t.Errorf("phase guests mismatch (-want +got):\n%s", diff)
	}

	out := ex.String()
	for _, want := range []string{"Plan: /plans/multihost", "Guest: server (local)", "Test: /connect", "Step: prepare"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}
}

func TestExplainDefaultGuest(t *testing.T) {
	p := loadPlan(t, `
name: /plans/basic
discover:
  tests:
    - name: /t
      test: "true"
`)
	ex, err := Explain(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ex.Guests) != 1 || ex.Guests[0].Name != "default-0" {
		t.Errorf("expected the default guest, got %+v", ex.Guests)
	}
}

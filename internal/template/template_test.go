package template

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testContext() *Context {
	return &Context{
		Env: map[string]string{"PORT": "8080"},
		Guests: map[string]map[string]string{
			"server-1": {"address": "10.0.0.1", "role": "server"},
			"server-2": {"address": "10.0.0.2", "role": "server"},
			"client":   {"address": "10.0.0.9", "role": "client"},
		},
		Roles: map[string][]string{"server": {"server-1", "server-2"}, "client": {"client"}},
	}
}

func TestResolveGuestReference(t *testing.T) {
	result, err := Resolve("curl http://{{guests.server-1.address}}:{{env.PORT}}/", testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "curl http://10.0.0.1:8080/" {
		t.Errorf("expected resolved url, got %q", result)
	}
}

func TestResolveRoleReference(t *testing.T) {
	result, err := Resolve("for h in {{roles.server.address}}; do ping -c1 $h; done", testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "for h in 10.0.0.1 10.0.0.2; do ping -c1 $h; done" {
		t.Errorf("unexpected result %q", result)
	}
}

func TestResolveLeavesPlainText(t *testing.T) {
	result, err := Resolve("echo ${HOME} {not a ref}", testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "echo ${HOME} {not a ref}" {
		t.Errorf("expected unchanged text, got %q", result)
	}
}

func TestResolveErrorOnUnresolvedGuest(t *testing.T) {
	_, err := Resolve("{{guests.missing.address}}", testContext())
	if err == nil {
		t.Fatal("expected error for unresolved guest")
	}
}

func TestResolveErrorOnUnresolvedField(t *testing.T) {
	_, err := Resolve("{{guests.client.port}}", testContext())
	if err == nil {
		t.Fatal("expected error for unresolved field")
	}
}

func TestResolveErrorOnUnresolvedRole(t *testing.T) {
	_, err := Resolve("{{roles.db.address}}", testContext())
	if err == nil {
		t.Fatal("expected error for unresolved role")
	}
}

func TestResolveErrorOnUnresolvedEnv(t *testing.T) {
	_, err := Resolve("{{env.MISSING}}", testContext())
	if err == nil {
		t.Fatal("expected error for unresolved environment variable")
	}
}

func TestReferences(t *testing.T) {
	guests, roles := References("{{guests.a.address}} {{roles.server.address}} {{guests.b.name}}")
	if diff := cmp.Diff([]string{"a", "b"}, guests); diff != "" {
		t.Errorf("guests mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"server"}, roles); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
}

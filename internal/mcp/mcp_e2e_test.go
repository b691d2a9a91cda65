package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stevehiehn/tmtgo/internal/engine"
	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
)

// serveLines runs the stdio server over the given request lines and
// returns the decoded responses.
func serveLines(t *testing.T, s *Server, lines ...string) []JSONRPCResponse {
	t.Helper()
	var out bytes.Buffer
	if err := s.Serve(strings.NewReader(strings.Join(lines, "\n")+"\n"), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var responses []JSONRPCResponse
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp JSONRPCResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("invalid response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func request(t *testing.T, id int, method string, params any) string {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestStdioSession(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "plan.yaml", validPlan)

	responses := serveLines(t, newTestServer(t, dir),
		request(t, 1, "initialize", nil),
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		request(t, 2, "tools/list", nil),
		"{not json",
		request(t, 3, "tools/call", map[string]any{"name": "plan.validate", "arguments": map[string]any{"file": "plan.yaml"}}),
		request(t, 4, "ping", nil),
	)
	if len(responses) != 5 {
		t.Fatalf("expected 5 responses, got %d", len(responses))
	}
	for i, want := range []float64{1, 2, 0, 3, 4} {
		id, _ := responses[i].ID.(float64)
		if id != want {
			t.Errorf("response %d: expected id %v, got %v", i, want, responses[i].ID)
		}
	}
	if responses[2].Error == nil || responses[2].Error.Code != -32700 {
		t.Errorf("expected parse error, got %+v", responses[2])
	}
	if text := responseText(t, &responses[3]); text != "Plan is valid." {
		t.Errorf("unexpected validate response %q", text)
	}
}

func TestPlanExplainE2E(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "plan.yaml", `
name: /plans/pair
provision:
  - name: server
    how: local
    role: server
  - name: client
    how: local
    role: client
prepare:
  - how: shell
    where: server
    script: echo start
discover:
  tests:
    - name: /ping
      where: client
      test: "true"
`)
	resp := callTool(t, newTestServer(t, dir), "plan.explain", map[string]any{"file": "plan.yaml"})
	var ex engine.Explanation
	if err := json.Unmarshal([]byte(responseText(t, resp)), &ex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Plan != "/plans/pair" || len(ex.Guests) != 2 {
		t.Fatalf("unexpected explanation %+v", ex)
	}
	if len(ex.Guests[1].Tests) != 1 || ex.Guests[1].Tests[0] != "/ping" {
		t.Errorf("expected /ping on the client, got %v", ex.Guests[1].Tests)
	}
	if len(ex.Prepare) != 1 || ex.Prepare[0].Guests[0] != "server" {
		t.Errorf("unexpected prepare phases %+v", ex.Prepare)
	}
}

func TestPlanExplainReportsBrokenPlan(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "plan.yaml", `
name: /plans/broken
discover:
  directory: missing
`)
	resp := callTool(t, newTestServer(t, dir), "plan.explain", map[string]any{"file": "plan.yaml"})
	if !isError(resp) {
		t.Fatalf("expected an error, got %q", responseText(t, resp))
	}
}

func TestRunStatusE2E(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run-1", "smoke")

	store, err := state.Open(runDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rs := state.New("run-1", "/plans/smoke", "f", []string{"discover", "execute"})
	rs.Set("discover", state.Done, nil)
	if err := store.Save(rs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.Close()
	results := []result.Result{{Name: "/smoke", Result: result.Pass}, {Name: "/flaky", Result: result.Fail}}
	if err := result.Save(filepath.Join(runDir, "execute", "results.yaml"), results); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := newTestServer(t, dir)
	text := responseText(t, callTool(t, s, "run.status", map[string]any{"dir": "run-1/smoke"}))
	for _, want := range []string{"Run: run-1", "Plan: /plans/smoke", "discover", "Results:"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in:\n%s", want, text)
		}
	}

	resp := callTool(t, s, "run.status", map[string]any{"dir": "nowhere"})
	if !isError(resp) || !strings.Contains(responseText(t, resp), "No run found") {
		t.Errorf("expected a missing run to be reported, got %q", responseText(t, resp))
	}
}

func TestRunStatusWithoutResults(t *testing.T) {
	dir := t.TempDir()
	store, err := state.Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer store.Close()
	if err := store.Save(state.New("r", "/plans/p", "f", []string{"discover"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "execute")); !os.IsNotExist(err) {
		t.Fatalf("expected no execute directory")
	}
	text := responseText(t, callTool(t, newTestServer(t, dir), "run.status", map[string]any{"dir": dir}))
	if strings.Contains(text, "Results:") {
		t.Errorf("expected no results line, got:\n%s", text)
	}
}

package state

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stevehiehn/tmtgo/internal/guest"
)

var steps = []string{"discover", "provision", "prepare", "execute", "report", "finish"}

func TestOpenLockConflictFailsFast(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Open(dir); !stderrors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("expected lock to be released, got %v", err)
	}
	s2.Close()
}

func TestLoadNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	if _, err := s.Load(); !stderrors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.MarkStep("discover", Done, nil); !stderrors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before any save, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	defer s.Close()

	rs := New("run-1", "/plans/smoke", "abc", steps)
	rs.PutGuest(guest.Record{Name: "server", Role: "server", Method: "connect", Handle: guest.Handle{Address: "10.0.0.1", Port: 22}})
	rs.Set("discover", Done, nil)
	if err := s.Save(rs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.MarkStep("provision", Running, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Step("provision").Status != Running {
		t.Errorf("expected provision running, got %s", got.Step("provision").Status)
	}
	if got.FirstPending() != "provision" {
		t.Errorf("expected provision pending, got %q", got.FirstPending())
	}
	if diff := cmp.Diff(rs.Guests, got.Guests); diff != "" {
		t.Errorf("guests mismatch (-want +got):\n%s", diff)
	}
}

func TestInterruptedSaveKeepsPreviousState(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	defer s.Close()

	rs := New("run-1", "/plan", "abc", steps)
	rs.Set("discover", Done, nil)
	if err := s.Save(rs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// a crash after writing the temporary file but before the rename
	if err := os.WriteFile(filepath.Join(dir, stateFile+".123.tmp"), []byte("plan: [garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Step("discover").Status != Done {
		t.Errorf("expected previous state to survive, got %+v", got.Steps)
	}
}

func TestSetRecordsTimestampsAndErrors(t *testing.T) {
	rs := New("r", "p", "f", steps)
	rs.Set("execute", Running, nil)
	rs.Set("execute", Failed, stderrors.New("boom"))
	st := rs.Step("execute")
	if st.Started == nil || st.Finished == nil {
		t.Fatal("expected timestamps")
	}
	if st.Error != "boom" {
		t.Errorf("expected error text, got %q", st.Error)
	}
	if st.Duration() < 0 {
		t.Error("expected non-negative duration")
	}
}

func TestStringShowsStepsAndGuests(t *testing.T) {
	rs := New("r1", "smoke", "f", steps)
	rs.Set("discover", Running, nil)
	rs.Set("discover", Done, nil)
	rs.Set("provision", Failed, stderrors.New("no capacity"))
	rs.PutGuest(guest.Record{Name: "client", Method: "container", Ready: true, RebootCount: 2})

	out := rs.String()
	for _, want := range []string{"Run: r1", "Plan: smoke", "discover", "done", "provision", "failed: no capacity", "guest client (container) ready, reboots: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}
}

// Package workdir lays out the run directory of a plan. Guests see the same
// paths as the host: directories are pushed and pulled to identical
// locations.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/otiai10/copy"
)

// Run is the directory of one plan run.
type Run struct {
	ID  string
	Dir string
}

// NewID returns a fresh run id.
func NewID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// New creates the run directory of plan under root/id.
func New(root, id, plan string) (*Run, error) {
	dir := filepath.Join(root, id, Slug(plan))
	return Open(dir)
}

// Open creates dir if needed and returns its layout.
func Open(dir string) (*Run, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"discover", "data", "execute", "report"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating run dir: %w", err)
		}
	}
	return &Run{ID: filepath.Base(filepath.Dir(abs)), Dir: abs}, nil
}

var unsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug turns a plan or test name into a single path component.
func Slug(name string) string {
	s := unsafe.ReplaceAllString(strings.Trim(name, "/"), "-")
	if s == "" {
		return "default"
	}
	return s
}

// Tree is the copy of the plan tree (TMT_TREE).
func (r *Run) Tree() string { return filepath.Join(r.Dir, "tree") }

// Source is where a source archive is extracted (TMT_SOURCE_DIR).
func (r *Run) Source() string { return filepath.Join(r.Dir, "discover", "source") }

// TestsFile holds the discovered tests.
func (r *Run) TestsFile() string { return filepath.Join(r.Dir, "discover", "tests.yaml") }

// PlanData is shared by every test of the plan (TMT_PLAN_DATA).
func (r *Run) PlanData() string { return filepath.Join(r.Dir, "data") }

// ResultsFile is the canonical results record.
func (r *Run) ResultsFile() string { return filepath.Join(r.Dir, "execute", "results.yaml") }

// TestDir holds the output and metadata of one test invocation on a guest.
func (r *Run) TestDir(guest, test string, serial int) string {
	return filepath.Join(r.Dir, "execute", "data", "guest", Slug(guest), fmt.Sprintf("%s-%d", Slug(test), serial))
}

// TestData is the directory a test writes its artifacts to (TMT_TEST_DATA).
func (r *Run) TestData(guest, test string, serial int) string {
	return filepath.Join(r.TestDir(guest, test, serial), "data")
}

// Metrics is the Prometheus textfile written by report.
func (r *Run) Metrics() string { return filepath.Join(r.Dir, "report", "metrics.prom") }

// Log is the debug log of the run.
func (r *Run) Log() string { return filepath.Join(r.Dir, "log.txt") }

// CopyTree copies the plan tree at src into Tree, leaving out version
// control metadata.
func (r *Run) CopyTree(src string) error {
	if err := os.RemoveAll(r.Tree()); err != nil {
		return err
	}
	return copy.Copy(src, r.Tree(), copy.Options{
		Skip: func(path string) (bool, error) {
			return filepath.Base(path) == ".git", nil
		},
	})
}

// WriteOutput writes the output of a test, stdout followed by stderr.
func WriteOutput(path, stdout, stderr string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(stdout+stderr), 0o644)
}

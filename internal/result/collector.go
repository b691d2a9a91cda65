package result

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ExitTimeout is the exit code of a test killed by its duration limit.
const ExitTimeout = 124

// Test identifies the test invocation results are collected for.
type Test struct {
	Name   string
	Serial int
	Guest  GuestData
	// DataDir is the test data directory logs are relative to.
	DataDir string
}

// Collector accumulates canonical results. It is safe for concurrent use by
// the per-guest execute workers.
type Collector struct {
	mu      sync.Mutex
	baseDir string
	results []Result
}

// NewCollector returns a collector whose log paths are relative to baseDir,
// the directory of the persisted results file.
func NewCollector(baseDir string, existing ...Result) *Collector {
	return &Collector{baseDir: baseDir, results: append([]Result(nil), existing...)}
}

// FromExitCode interprets a test that reports through its exit code.
func (c *Collector) FromExitCode(t Test, exitCode int, duration time.Duration, logs ...string) Result {
	r := Result{Name: t.Name, Duration: FormatDuration(duration)}
	switch exitCode {
	case 0:
		r.Result = Pass
	case 1:
		r.Result = Fail
	case ExitTimeout:
		r.Result = Error
		r.Note = "timeout"
	default:
		r.Result = Error
		r.Note = fmt.Sprintf("exit code %d", exitCode)
	}
	r.Log = c.rebase(t.DataDir, logs)
	return c.own(t, r)
}

// FromRaw validates and normalizes the records a test wrote itself. Every
// record is validated before any is accepted.
func (c *Collector) FromRaw(t Test, raws []Raw) ([]Result, error) {
	for _, raw := range raws {
		if err := Validate(raw); err != nil {
			return nil, err
		}
	}
	out := make([]Result, 0, len(raws))
	for _, raw := range raws {
		outcome, _ := ParseOutcome(raw.Result)
		r := Result{
			Name:     SubtestName(t.Name, raw.Name),
			Result:   outcome,
			Note:     raw.Note,
			Log:      c.rebase(t.DataDir, raw.Log),
			IDs:      raw.IDs,
			Duration: raw.Duration,
		}
		out = append(out, c.own(t, r))
	}
	return out, nil
}

// Missing is the result of a custom test that produced no results file.
func (c *Collector) Missing(t Test, duration time.Duration, logs ...string) Result {
	r := Result{
		Name:     t.Name,
		Result:   Error,
		Note:     "custom results file not found",
		Duration: FormatDuration(duration),
		Log:      c.rebase(t.DataDir, logs),
	}
	return c.own(t, r)
}

// SubtestName applies the naming rules of custom results: "/" is the test
// itself, a leading slash appends to the test name, anything else is kept.
func SubtestName(test, name string) string {
	switch {
	case name == "/":
		return test
	case strings.HasPrefix(name, "/"):
		return strings.TrimSuffix(test, "/") + name
	}
	return name
}

// own assigns the fields the engine is authoritative for.
func (c *Collector) own(t Test, r Result) Result {
	r.SerialNumber = t.Serial
	r.Guest = t.Guest
	return r
}

// rebase rewrites log paths relative to dataDir so they are relative to the
// collector base directory.
func (c *Collector) rebase(dataDir string, logs []string) []string {
	if len(logs) == 0 {
		return nil
	}
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		abs := l
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(dataDir, l)
		}
		rel, err := filepath.Rel(c.baseDir, abs)
		if err != nil {
			rel = abs
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

// Add records results, replacing earlier results of the same test invocation
// on the same guest. Collecting a test twice keeps only the latest results.
func (c *Collector) Add(results ...Result) {
	if len(results) == 0 {
		return
	}
	type key struct {
		serial int
		guest  string
	}
	replaced := map[key]bool{}
	for _, r := range results {
		replaced[key{r.SerialNumber, r.Guest.Name}] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.results[:0]
	for _, r := range c.results {
		if !replaced[key{r.SerialNumber, r.Guest.Name}] {
			kept = append(kept, r)
		}
	}
	c.results = append(kept, results...)
}

// Results returns a snapshot ordered by serial number then guest.
func (c *Collector) Results() []Result {
	c.mu.Lock()
	out := append([]Result(nil), c.results...)
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SerialNumber != out[j].SerialNumber {
			return out[i].SerialNumber < out[j].SerialNumber
		}
		return out[i].Guest.Name < out[j].Guest.Name
	})
	return out
}

// Package result holds the canonical test result record, validation of raw
// records written by tests, and outcome aggregation.
package result

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
)

// Outcome of a single test or subtest.
type Outcome string

const (
	Pass  Outcome = "pass"
	Info  Outcome = "info"
	Warn  Outcome = "warn"
	Error Outcome = "error"
	Fail  Outcome = "fail"
)

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{Pass, Info, Warn, Error, Fail}

// ParseOutcome accepts a known outcome name.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range Outcomes {
		if string(o) == s {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown result %q", s)
}

// Failed reports whether the outcome counts against the run. Info is a soft
// pass.
func (o Outcome) Failed() bool {
	return o == Warn || o == Error || o == Fail
}

// GuestData attributes a result to the guest it ran on.
type GuestData struct {
	Name string `yaml:"name" json:"name"`
	Role string `yaml:"role,omitempty" json:"role,omitempty"`
}

// Result is the canonical record persisted in the results file.
type Result struct {
	Name         string            `yaml:"name" json:"name"`
	Result       Outcome           `yaml:"result" json:"result"`
	Note         string            `yaml:"note,omitempty" json:"note,omitempty"`
	Log          []string          `yaml:"log,omitempty" json:"log,omitempty"`
	IDs          map[string]string `yaml:"ids,omitempty" json:"ids,omitempty"`
	Duration     string            `yaml:"duration,omitempty" json:"duration,omitempty"`
	SerialNumber int               `yaml:"serialnumber" json:"serialnumber"`
	Guest        GuestData         `yaml:"guest" json:"guest"`
}

// Raw is a record as written by a test reporting its own results. Fields the
// engine owns are accepted but always overwritten.
type Raw struct {
	Name         string            `yaml:"name" json:"name"`
	Result       string            `yaml:"result" json:"result"`
	Note         string            `yaml:"note,omitempty" json:"note,omitempty"`
	Log          []string          `yaml:"log,omitempty" json:"log,omitempty"`
	IDs          map[string]string `yaml:"ids,omitempty" json:"ids,omitempty"`
	Duration     string            `yaml:"duration,omitempty" json:"duration,omitempty"`
	SerialNumber *int              `yaml:"serialnumber,omitempty" json:"serialnumber,omitempty"`
	Guest        *GuestData        `yaml:"guest,omitempty" json:"guest,omitempty"`
}

var durationPattern = regexp.MustCompile(`^\d{2,}:[0-5]\d:[0-5]\d$`)

// Validate checks a raw record. A bare {name, result} is valid.
func Validate(r Raw) error {
	serr := &tmterrors.SchemaError{Subject: "result"}
	if strings.TrimSpace(r.Name) == "" {
		serr.Add("name is required")
	}
	if r.Result == "" {
		serr.Add("result is required")
	} else if _, err := ParseOutcome(r.Result); err != nil {
		serr.Add("%v", err)
	}
	if r.Duration != "" && !durationPattern.MatchString(r.Duration) {
		serr.Add("duration %q does not match hh:mm:ss", r.Duration)
	}
	for i, l := range r.Log {
		if strings.TrimSpace(l) == "" {
			serr.Add("log[%d] is empty", i)
			continue
		}
		clean := path.Clean(filepath.ToSlash(l))
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			serr.Add("log[%d] %q is outside the test data directory", i, l)
		}
	}
	if r.Name != "" {
		serr.Subject = fmt.Sprintf("result %q", r.Name)
	}
	return serr.OrNil()
}

// FormatDuration renders d as hh:mm:ss.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

// Summary counts results per outcome.
type Summary struct {
	Counts map[Outcome]int
	Total  int
}

// Summarize counts results per outcome.
func Summarize(results []Result) Summary {
	s := Summary{Counts: map[Outcome]int{}}
	for _, r := range results {
		s.Counts[r.Result]++
		s.Total++
	}
	return s
}

func (s Summary) String() string {
	if s.Total == 0 {
		return "no results found"
	}
	var parts []string
	for _, o := range Outcomes {
		if n := s.Counts[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, o))
		}
	}
	return fmt.Sprintf("%d tests: %s", s.Total, strings.Join(parts, ", "))
}

// Exit codes of a run.
const (
	ExitPass     = 0
	ExitFail     = 1
	ExitError    = 2
	ExitNoResult = 3
)

// ExitCode maps a summary to the process exit code. A fatal pipeline failure
// is reported as an error regardless of results.
func ExitCode(s Summary, fatal bool) int {
	switch {
	case fatal || s.Counts[Error] > 0:
		return ExitError
	case s.Total == 0:
		return ExitNoResult
	case s.Counts[Warn] > 0 || s.Counts[Fail] > 0:
		return ExitFail
	}
	return ExitPass
}

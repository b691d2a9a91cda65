package result

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ReportFile is written into the test data directory by tests that
	// report a single result with tmt-report-result.
	ReportFile = "restraint-result"
	// BeakerlibFile holds the final state of a beakerlib test in its
	// BEAKERLIB_DIR.
	BeakerlibFile = "TestResults"
	// BeakerlibJournal is the human readable beakerlib journal.
	BeakerlibJournal = "journal.txt"
)

var reported = map[string]Outcome{
	"PASS":  Pass,
	"FAIL":  Fail,
	"WARN":  Warn,
	"ERROR": Error,
	"INFO":  Info,
	"SKIP":  Info,
}

// readKeyValues parses KEY=VALUE lines. Quotes around values are dropped
// and later keys win.
func readKeyValues(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return values, scanner.Err()
}

// FromReportFile interprets the result a test reported in ReportFile
// under its data directory. ok is false when the test wrote none and its
// exit code decides.
func (c *Collector) FromReportFile(t Test, duration time.Duration, logs ...string) (Result, bool) {
	values, err := readKeyValues(filepath.Join(t.DataDir, ReportFile))
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, false
	}
	r := Result{Name: t.Name, Result: Error, Duration: FormatDuration(duration), Log: c.rebase(t.DataDir, logs)}
	switch raw, found := values["TESTRESULT"]; {
	case err != nil:
		r.Note = fmt.Sprintf("unreadable %s: %v", ReportFile, err)
	case !found:
		r.Note = fmt.Sprintf("no TESTRESULT in %s", ReportFile)
	default:
		if outcome, known := reported[strings.ToUpper(raw)]; known {
			r.Result = outcome
		} else {
			r.Note = fmt.Sprintf("unknown reported result %q", raw)
		}
	}
	return c.own(t, r), true
}

// FromBeakerlib interprets the state a beakerlib test left in dir. A test
// that did not complete is an error whatever it reported.
func (c *Collector) FromBeakerlib(t Test, dir string, duration time.Duration, logs ...string) Result {
	if journal := filepath.Join(dir, BeakerlibJournal); fileExists(journal) {
		logs = append(logs, journal)
	}
	r := Result{Name: t.Name, Result: Error, Duration: FormatDuration(duration), Log: c.rebase(t.DataDir, logs)}
	values, err := readKeyValues(filepath.Join(dir, BeakerlibFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.Note = fmt.Sprintf("beakerlib: %s file not found", BeakerlibFile)
	case err != nil:
		r.Note = fmt.Sprintf("beakerlib: %v", err)
	case values["TESTRESULT_STATE"] != "complete":
		r.Note = fmt.Sprintf("beakerlib: state %q", values["TESTRESULT_STATE"])
	default:
		raw := values["TESTRESULT_RESULT_STRING"]
		if outcome, known := reported[strings.ToUpper(raw)]; known && raw != "" {
			r.Result = outcome
		} else {
			r.Note = fmt.Sprintf("beakerlib: unknown result %q", raw)
		}
	}
	return c.own(t, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package engine

import (
	"errors"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
)

// Summary is the structured outcome of one plan run.
type Summary struct {
	RunID      string               `json:"run_id"`
	Plan       string               `json:"plan"`
	Dir        string               `json:"dir,omitempty"`
	Success    bool                 `json:"success"`
	FailedStep string               `json:"failed_step,omitempty"`
	Steps      []StepResult         `json:"steps"`
	Outcomes   result.Summary       `json:"-"`
	Results    []result.Result      `json:"results,omitempty"`
	ExitCode   int                  `json:"exit_code"`
	Errors     []tmterrors.RunError `json:"errors,omitempty"`
}

// StepResult describes the outcome of a single step.
type StepResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // done, failed, skipped, not-started
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

func summarize(rs *state.RunState, dir string, results []result.Result, fatal error) *Summary {
	s := &Summary{
		RunID:    rs.RunID,
		Plan:     rs.Plan,
		Dir:      dir,
		Results:  results,
		Outcomes: result.Summarize(results),
	}
	for _, st := range rs.Steps {
		sr := StepResult{Name: st.Name, Status: string(st.Status), Error: st.Error}
		if d := st.Duration(); d > 0 {
			sr.Duration = result.FormatDuration(d)
		}
		if st.Status == state.Failed && s.FailedStep == "" {
			s.FailedStep = st.Name
		}
		s.Steps = append(s.Steps, sr)
	}
	s.ExitCode = result.ExitCode(s.Outcomes, fatal != nil)
	if fatal != nil {
		var re *tmterrors.RunError
		if errors.As(fatal, &re) {
			s.Errors = append(s.Errors, *re)
		} else {
			s.Errors = append(s.Errors, tmterrors.RunError{Type: tmterrors.StepFailed, Step: s.FailedStep, Message: fatal.Error()})
		}
	}
	s.Success = s.ExitCode == result.ExitPass
	return s
}

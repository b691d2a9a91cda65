package engine

import (
	"context"
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stevehiehn/tmtgo/internal/result"
	"github.com/stevehiehn/tmtgo/internal/state"
)

func (e *Engine) report(ctx context.Context, rc *RunContext) error {
	if rc.Options.Dry {
		rc.Logger.Info("would report results", zap.String("results", rc.Run.ResultsFile()))
		return nil
	}
	results, err := result.Load(rc.Run.ResultsFile())
	switch {
	case errors.Is(err, os.ErrNotExist):
		rc.Logger.Warn("no results to report")
	case err != nil:
		return err
	}
	rc.results = results

	for _, r := range results {
		fields := []zap.Field{zap.String("test", r.Name), zap.String("guest", r.Guest.Name)}
		if r.Note != "" {
			fields = append(fields, zap.String("note", r.Note))
		}
		if r.Result.Failed() {
			rc.Logger.Warn(string(r.Result), fields...)
		} else {
			rc.Logger.Info(string(r.Result), fields...)
		}
	}
	summary := result.Summarize(results)
	rc.Logger.Info("summary", zap.String("summary", summary.String()))

	if !rc.Plan.Report.MetricsEnabled() {
		return nil
	}
	return writeMetrics(rc.Run.Metrics(), rc.Plan.Name, summary, rc.State)
}

// writeMetrics writes result counts, step durations and guest reboots as a
// Prometheus textfile.
func writeMetrics(path, plan string, summary result.Summary, rs *state.RunState) error {
	results := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tmtgo_results",
		Help: "Number of test results per outcome.",
	}, []string{"plan", "outcome"})
	steps := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tmtgo_step_duration_seconds",
		Help: "Wall time of finished pipeline steps.",
	}, []string{"plan", "step", "status"})
	reboots := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tmtgo_guest_reboots",
		Help: "Reboots performed per guest.",
	}, []string{"plan", "guest"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(results, steps, reboots)
	for _, o := range result.Outcomes {
		results.WithLabelValues(plan, string(o)).Set(float64(summary.Counts[o]))
	}
	for _, st := range rs.Steps {
		if st.Status == state.Done || st.Status == state.Failed {
			steps.WithLabelValues(plan, st.Name, string(st.Status)).Set(st.Duration().Seconds())
		}
	}
	for _, g := range rs.Guests {
		reboots.WithLabelValues(plan, g.Name).Set(float64(g.RebootCount))
	}
	return prometheus.WriteToTextfile(path, reg)
}

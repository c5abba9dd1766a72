// Package report renders run outcomes as human-readable text and JSON files.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/runningwild/expbench/pkg/bench"
	"github.com/runningwild/expbench/pkg/engine"
)

var printer = message.NewPrinter(language.English)

// Line renders one run outcome, e.g. "12,345 iter | 1,234 it/s".
// Startup failures and rejected starts get their own text and are never
// shown as a zero-iteration result.
func Line(res engine.Result, err error) string {
	switch {
	case errors.Is(err, bench.ErrAlreadyRunning):
		return "Busy: benchmark already running"
	case errors.Is(err, bench.ErrResultPending):
		return "Busy: previous result not collected"
	case err != nil:
		return "Failed: " + err.Error()
	case res.Status == engine.Cancelled:
		return "Cancelled"
	}
	return printer.Sprintf("%d iter | %d it/s", res.Iterations, int64(math.Round(res.Rate())))
}

// Running renders the in-progress text shown while a run is active.
func Running(elapsed time.Duration) string {
	return fmt.Sprintf("Running...: %.1f s", elapsed.Seconds())
}

// Detail writes a multi-line breakdown of a finished run.
func Detail(w io.Writer, res engine.Result) {
	printer.Fprintf(w, "Mode:        %s (%d workers)\n", res.Mode, res.Workers)
	printer.Fprintf(w, "Status:      %s\n", res.Status)
	printer.Fprintf(w, "Iterations:  %d (batch %d)\n", res.Iterations, res.BatchSize)
	printer.Fprintf(w, "Elapsed:     %.3f s\n", res.Elapsed.Seconds())
	printer.Fprintf(w, "Throughput:  %.1f it/s\n", res.Rate())
	if res.FailedWorkers > 0 {
		printer.Fprintf(w, "Failed:      %d workers counted as zero\n", res.FailedWorkers)
	}
	if len(res.PerWorker) > 1 {
		parts := make([]string, len(res.PerWorker))
		for i, n := range res.PerWorker {
			parts[i] = printer.Sprintf("%d", n)
		}
		fmt.Fprintf(w, "Per worker:  %s\n", strings.Join(parts, " "))
	}
	if s := res.Stability; s.Samples > 0 {
		printer.Fprintf(w, "Stability:   p50 %.0f it/s, p99 %.0f it/s, min %.0f, max %.0f, rel. err %.2f%% (%d samples)\n",
			s.P50, s.P99, s.Min, s.Max, s.RelStdErr*100, s.Samples)
	}
}

// WriteJSON writes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

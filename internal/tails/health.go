package tails

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// healthChecker probes one aspect of the server and returns a
// human-readable output line.
type healthChecker struct {
	name  string
	check func(ctx context.Context) (string, error)
}

func (s *Server) healthCheckers() []healthChecker {
	return []healthChecker{
		{
			name: "storage",
			check: func(ctx context.Context) (string, error) {
				count, used, err := s.store.Stats()
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d tails files, %d bytes used", count, used), nil
			},
		},
		{
			name: "index",
			check: func(ctx context.Context) (string, error) {
				var count int
				if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&count); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d uploads recorded", count), nil
			},
		},
	}
}

// runHealthChecks executes every checker and aggregates the report. The
// report passes only if every checker passes.
func (s *Server) runHealthChecks(ctx context.Context) (HealthReport, bool) {
	hostname, _ := os.Hostname()

	report := HealthReport{
		Hostname:  hostname,
		Status:    "success",
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}

	passed := true
	for _, checker := range s.healthCheckers() {
		output, err := checker.check(ctx)
		result := CheckResult{
			Checker:   checker.name,
			Output:    output,
			Passed:    err == nil,
			Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		}
		if err != nil {
			result.Output = err.Error()
			passed = false
		}
		report.Results = append(report.Results, result)
	}

	if !passed {
		report.Status = "failure"
	}

	return report, passed
}

// handleHealth implements GET /health, reporting liveness plus aggregate
// storage statistics.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, passed := s.runHealthChecks(r.Context())

	status := http.StatusOK
	if !passed {
		status = http.StatusInternalServerError
	}

	if err := writeJSONResponse(w, status, report); err != nil {
		slog.Debug("Write health response", "err", err)
	}
}

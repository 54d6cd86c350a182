package healthcheck

import (
	"context"
	"sync"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

// CheckResult is one readiness item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more readiness checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// Report is the combined result of several checkers.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Ready reports whether no check failed. Warnings do not fail readiness.
func (r Report) Ready() bool {
	return r.Status != StatusError
}

// Run evaluates the checkers concurrently and keeps their order.
func Run(ctx context.Context, checkers ...Checker) Report {
	results := make([][]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		if checker == nil {
			continue
		}
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			results[i] = checker.ListChecks(ctx)
		}(i, checker)
	}
	wg.Wait()

	report := Report{Status: StatusOK, Checks: []CheckResult{}}
	for _, items := range results {
		for _, item := range items {
			report.Checks = append(report.Checks, item)
			switch item.Status {
			case StatusError:
				report.Status = StatusError
			case StatusWarn, StatusUnknown:
				if report.Status == StatusOK {
					report.Status = StatusWarn
				}
			}
		}
	}
	return report
}

package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Version and Commit are set at build time via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const checkTimeout = 2 * time.Second

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to the HealthChecker interface.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// CheckResult describes one readiness check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// ReadinessChecks bundles the dependencies gating readiness. A nil checker
// is skipped, so a memory-backed deployment only gates on its definitions.
type ReadinessChecks struct {
	// DefinitionsLoaded reports whether at least one workflow definition
	// is registered. Serving requests against an empty registry only
	// produces UNKNOWN_DEFINITION errors.
	DefinitionsLoaded func() bool

	InstanceStore    HealthChecker
	IdempotencyStore HealthChecker
}

// HandleHealth serves liveness. It always returns 200 while the process
// can serve HTTP at all.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Commit:  Commit,
	})
}

// HandleReady returns a readiness handler that probes all configured
// dependencies in parallel with a bounded timeout per probe.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := runChecks(r.Context(), checks)

		status := http.StatusOK
		overall := "ready"
		for _, res := range results {
			if res.Status != "ok" {
				status = http.StatusServiceUnavailable
				overall = "not_ready"
				break
			}
		}

		writeJSON(w, status, ReadinessResponse{Status: overall, Checks: results})
	}
}

func runChecks(ctx context.Context, checks ReadinessChecks) []CheckResult {
	type namedChecker struct {
		name    string
		checker HealthChecker
	}

	probes := []namedChecker{}
	if checks.DefinitionsLoaded != nil {
		probes = append(probes, namedChecker{"definitions", HealthCheckerFunc(func(context.Context) error {
			if !checks.DefinitionsLoaded() {
				return errNoDefinitions
			}
			return nil
		})})
	}
	if checks.InstanceStore != nil {
		probes = append(probes, namedChecker{"instance_store", checks.InstanceStore})
	}
	if checks.IdempotencyStore != nil {
		probes = append(probes, namedChecker{"idempotency_store", checks.IdempotencyStore})
	}

	results := make([]CheckResult, len(probes))
	var wg sync.WaitGroup
	for i, probe := range probes {
		wg.Add(1)
		go func(i int, probe namedChecker) {
			defer wg.Done()
			results[i] = runCheck(ctx, probe.name, probe.checker)
		}(i, probe)
	}
	wg.Wait()

	return results
}

func runCheck(ctx context.Context, name string, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := checker.CheckHealth(ctx); err != nil {
		return CheckResult{Name: name, Status: "failed", Error: err.Error()}
	}
	return CheckResult{Name: name, Status: "ok"}
}

var errNoDefinitions = definitionsError{}

type definitionsError struct{}

func (definitionsError) Error() string { return "no workflow definitions loaded" }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package router declares the narrow dispatch port the core calls to
// execute a decision's approved action.
// It has no implementation here — callers supply a concrete Dispatcher
// wired to whatever adapter fleet they run, the same way the XRPL pipeline's
// Client and Signer ports are supplied from outside pkg/xrpl.
package router

import "context"

// RunRequest is what the core asks a router to execute.
type RunRequest struct {
	Goal                string
	AdapterID           string
	DryRun              bool
	Plan                string
	MaxSteps            *int
	RequireCapabilities []string
}

// RunResult is the router's report of what it did.
type RunResult struct {
	RunID         string
	StepsExecuted int
	Detail        map[string]interface{}
}

// Dispatcher is the router dispatch port. A failure from Run is
// exception-like: the core records EXECUTION_FAILED with
// error_code="ROUTER_ERROR" and error_message=err.Error(), never inspecting
// the error further.
type Dispatcher interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)

	// GetAdapterCapabilities returns the adapter's declared capability set,
	// or nil if unknown — callers skip any require_capabilities check in
	// that case rather than treating "unknown" as "none".
	GetAdapterCapabilities(ctx context.Context, adapterID string) (map[string]struct{}, error)
}

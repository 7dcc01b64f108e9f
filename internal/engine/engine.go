// Package engine defines the boundary to the external provider
// execution engine. The orchestration core hands a loaded bundle an
// execution context with sinks and gets back a result list; everything
// behind Execute (sandboxing, HTTP, scraping) is the engine's problem.
package engine

import (
	"context"

	"checkd/internal/model"
)

// TraceSink receives provider progress lines. callee names the script
// call site, may be empty.
type TraceSink interface {
	Trace(ctx context.Context, msg, callee string) error
}

// StorageSink reads and writes the account's saved session data on
// behalf of the running provider.
type StorageSink interface {
	LoadData(ctx context.Context) (string, error)
	SaveData(ctx context.Context, data string) error
}

// ResultSink appends one result entry to the current execution.
type ResultSink interface {
	SetResult(ctx context.Context, r model.Result) error
}

// RetrieveSink suspends the provider until an out-of-band value (OTP,
// captcha solution) arrives, is cancelled, or times out.
type RetrieveSink interface {
	Retrieve(ctx context.Context, p model.CodeParams) (string, error)
}

// ExecuteParams is the full contract a provider run receives.
type ExecuteParams struct {
	Task        string
	AccountID   int64
	Preferences map[string]any
	Proxy       string

	Trace    TraceSink
	Storage  StorageSink
	Result   ResultSink
	Retrieve RetrieveSink
}

// Bundle is one loaded, ready-to-execute provider.
//
// Execute returns the reported result list or an error. Results pushed
// through the Result sink are persisted by the caller as they arrive;
// the returned list is what status aggregation runs on.
type Bundle interface {
	Execute(ctx context.Context, p ExecuteParams) ([]model.Result, error)
}

// Engine turns a provider's opaque executable payload into a Bundle.
type Engine interface {
	Load(ctx context.Context, data []byte) (Bundle, error)
}

package model

import "time"

// AccountType selects the execution path for an account's checks.
type AccountType string

const (
	// AccountLocal accounts execute providers in-process.
	AccountLocal AccountType = "LOCAL"
	// AccountRemote accounts execute via the pull queue on remote workers.
	AccountRemote AccountType = "REMOTE"
)

// Provider is an immutable-ish provider definition. A changed provider
// is a new load replacing the registry cache entry, never an in-place
// mutation.
type Provider struct {
	ID          int64
	TextID      string
	Name        string
	Version     int64
	TextVersion string
	Data        []byte
	Disabled    bool
	// Masked lists preference-field names considered secret.
	Masked    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Account binds a user to a provider subscription.
type Account struct {
	ID         int64
	ProviderID int64
	UserID     string
	Name       string
	Type       AccountType
	// Prefs is the serialized preference object; may include secret fields.
	Prefs string
	// SavedData is the serialized saved-session-data map keyed by login.
	SavedData string
	Active    bool
	Proxy     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is one run attempt. Prefs is an immutable snapshot taken at
// start; Result is an append-only JSON array that only grows until the
// run finishes.
type Execution struct {
	ID         int64
	AccountID  int64
	Task       string
	Status     Status
	Prefs      string
	Result     string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// AccountTask is the denormalized latest-state projection per
// (account, task): it answers "what is the current status of task T for
// account A" in one lookup. ExecutionID and LastStartTime are only
// meaningful while LastStatus is INPROGRESS.
type AccountTask struct {
	AccountID             int64
	Task                  string
	ExecutionID           int64
	LastStatus            Status
	LastStartTime         *time.Time
	LastResultSuccess     string
	LastResultSuccessTime *time.Time
	LastResultError       string
	LastResultErrorTime   *time.Time
	NeedCodeTill          *time.Time
	CodeCnt               int
}

// QueuedExecution is one queue slot for a REMOTE account's task. It
// always points at exactly one Execution; resetting swaps in a freshly
// created execution, preserving the old one for audit.
type QueuedExecution struct {
	ID          int64
	AccountID   int64
	ExecutionID int64
	Depends     string
	// Token is the opaque claim handle, regenerated per claim.
	Token string
	// Fingerprint identifies the worker instance holding the claim.
	Fingerprint string
	// LoggedIn is the session marker reported by the claiming worker.
	LoggedIn  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionLog is one trace line recorded during an execution. The most
// recent line also feeds the stale-claim test.
type ExecutionLog struct {
	ID          int64
	ExecutionID int64
	Content     string
	CreatedAt   time.Time
}

// CodeType is the kind of out-of-band input a provider may request.
type CodeType string

const (
	CodeTypeCode  CodeType = "CODE"
	CodeTypeImage CodeType = "IMAGE"
)

// CodeParams describes an out-of-band input request as persisted with
// the Code row. TimeMS is the requested timeout in milliseconds.
type CodeParams struct {
	Type      CodeType `json:"type"`
	TimeMS    int64    `json:"time,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	InputType string   `json:"inputType,omitempty"`
	Image     string   `json:"image,omitempty"`
}

// Code is an ephemeral out-of-band input request. It is deleted on
// resolution, cancellation or timeout, whichever comes first.
type Code struct {
	ID          string
	ExecutionID int64
	Params      string
	CreatedAt   time.Time
	Till        time.Time
}

// Package rendezvous correlates a provider's out-of-band input request
// (OTP, captcha solution) with its eventual resolution.
//
// The pending slot lives only in the memory of the process instance
// that issued Request; Resolve must reach that same instance. The
// persisted Code row exists so status surfaces can discover that a code
// is wanted, not to make the wait cross-process; routing a resolution
// to the owning instance is the surrounding deployment's concern.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"checkd/internal/ledger"
	"checkd/internal/model"
	"checkd/pkg/logx"
)

// DefaultTimeout applies when a request does not carry its own.
const DefaultTimeout = 60 * time.Second

var (
	// ErrUnsupportedType rejects request types other than CODE/IMAGE.
	ErrUnsupportedType = errors.New("rendezvous: unsupported code type")
	// ErrTimedOut means the deadline elapsed before any resolution.
	ErrTimedOut = errors.New("rendezvous: timed out waiting for code")
	// ErrCancelled means the code was resolved with an empty value.
	ErrCancelled = errors.New("rendezvous: code request cancelled")
	// ErrNotFound means no pending request with that id exists in this
	// process (already resolved, timed out, or never existed here).
	ErrNotFound = errors.New("rendezvous: no pending code")
)

// DB is the store slice the rendezvous needs.
type DB interface {
	ledger.DB
	CreateCode(ctx context.Context, code *model.Code) error
	DeleteCode(ctx context.Context, id string) error
}

type Rendezvous struct {
	db      DB
	log     logx.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan string
}

func New(db DB, log logx.Logger) *Rendezvous {
	return &Rendezvous{db: db, log: log, timeout: DefaultTimeout, pending: map[string]chan string{}}
}

// SetDefaultTimeout replaces the fallback for requests without one.
func (r *Rendezvous) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Request persists a Code row for the execution, then suspends until
// the code is resolved, cancelled, or the timeout elapses. The row and
// the in-process slot are removed on every outcome.
func (r *Rendezvous) Request(ctx context.Context, exec *model.Execution, params model.CodeParams) (string, error) {
	switch params.Type {
	case model.CodeTypeCode, model.CodeTypeImage:
	default:
		return "", ErrUnsupportedType
	}

	timeout := time.Duration(params.TimeMS) * time.Millisecond
	if timeout <= 0 {
		timeout = r.timeout
		params.TimeMS = timeout.Milliseconds()
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	code := &model.Code{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		Params:      string(raw),
		CreatedAt:   now,
		Till:        now.Add(timeout),
	}
	if err := r.db.CreateCode(ctx, code); err != nil {
		return "", err
	}
	if err := ledger.NotePendingCode(ctx, r.db, exec, code.Till); err != nil {
		// A missing projection only degrades status display.
		r.log.Warn("pending-code note failed", logx.Int64("execution", exec.ID), logx.Err(err))
	}

	ch := make(chan string, 1)
	r.mu.Lock()
	r.pending[code.ID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, code.ID)
		r.mu.Unlock()
		// The row must go even when ctx is already done.
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.db.DeleteCode(dctx, code.ID); err != nil {
			r.log.Warn("code cleanup failed", logx.String("code", code.ID), logx.Err(err))
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		if v == "" {
			return "", ErrCancelled
		}
		return v, nil
	case <-timer.C:
		return "", ErrTimedOut
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve fulfills a pending request. An empty value cancels it.
func (r *Rendezvous) Resolve(codeID, value string) error {
	r.mu.Lock()
	ch, ok := r.pending[codeID]
	if ok {
		delete(r.pending, codeID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	ch <- value
	return nil
}

// PendingCount reports how many requests are waiting in this process.
func (r *Rendezvous) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

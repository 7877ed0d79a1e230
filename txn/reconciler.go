package txn

import (
	"context"
	"sync"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// Reconciler replays unsettled derived-index effects recorded in the
// compensation log until they succeed or exhaust their retry budget. Replay
// is idempotent and keyed by surrogate, so the authoritative store and the
// derived index converge without ever rolling back committed state. It can
// run as a resident worker (Start) or be driven externally per scan
// (RunOnce) from a cron-style entry point.
type Reconciler struct {
	log   cardea.CompensationLog
	index cardea.DerivedIndex
	opts  *ReconcilerOptions

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	begun     bool
	mu        sync.Mutex
}

// NewReconciler creates a reconciler over the given compensation log and
// index.
func NewReconciler(log cardea.CompensationLog, index cardea.DerivedIndex, opts ReconcilerOptions) (*Reconciler, error) {
	if log == nil {
		return nil, errors.New("missing compensation log")
	}
	if index == nil {
		return nil, errors.New("missing index")
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &Reconciler{
		log:   log,
		index: index,
		opts:  &opts,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// RunOnce scans for unsettled entries past their backoff and replays them.
// That includes entries whose index application failed and entries still
// staged, which a crash between commit and application would otherwise leave
// orphaned forever. It returns how many entries were applied. Entries past
// the retry budget are abandoned.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.log.Unsettled(ctx, *r.opts.Backoff, *r.opts.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "scanning for unsettled index effects")
	}

	applied := 0
	for _, entry := range entries {
		if entry.Attempts >= *r.opts.MaxAttempts {
			grip.Error(message.Fields{
				"message":   "abandoning index effect after exhausting retry budget",
				"entry":     entry.ID,
				"unit":      entry.UnitName,
				"surrogate": entry.SurrogateID,
				"attempts":  entry.Attempts,
			})
			if err := r.log.Abandon(ctx, entry.ID); err != nil {
				return applied, errors.Wrapf(err, "abandoning compensation entry '%s'", entry.ID)
			}
			continue
		}

		if err := ApplyEffect(ctx, r.index, entry); err != nil {
			grip.Warning(message.WrapError(err, message.Fields{
				"message":   "index effect replay failed",
				"entry":     entry.ID,
				"surrogate": entry.SurrogateID,
				"attempts":  entry.Attempts,
			}))
			if err := r.log.MarkFailed(ctx, entry.ID, err.Error()); err != nil {
				return applied, errors.Wrapf(err, "recording replay failure for entry '%s'", entry.ID)
			}
			continue
		}

		if err := r.log.MarkApplied(ctx, entry.ID); err != nil {
			return applied, errors.Wrapf(err, "marking entry '%s' applied", entry.ID)
		}
		applied++
	}

	return applied, nil
}

// Start launches the resident reconciliation loop. It returns immediately;
// the loop runs until Close is called or the context is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.begun {
		r.mu.Unlock()
		return
	}
	r.begun = true
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(*r.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				applied, err := r.RunOnce(ctx)
				grip.Warning(message.WrapError(err, "reconciling index effects"))
				grip.InfoWhen(applied > 0, message.Fields{
					"message": "reconciled index effects",
					"applied": applied,
				})
			}
		}
	}()
}

// Close stops the reconciliation loop. It is idempotent.
func (r *Reconciler) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.stop)

		r.mu.Lock()
		begun := r.begun
		r.mu.Unlock()

		if begun {
			select {
			case <-r.done:
			case <-ctx.Done():
			}
		}
	})
	return nil
}

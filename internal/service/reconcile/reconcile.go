// Package reconcile repairs coaching sessions created concurrently for the
// same (owner, client) pair. A run backfills missing owners, merges each
// duplicate group into one canonical session, then verifies that no
// ownerless rows or duplicate groups remain.
package reconcile

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/sensei/internal/storage"
	"github.com/ashita-ai/sensei/internal/telemetry"
)

// DefaultConcurrency bounds how many duplicate groups merge at once.
const DefaultConcurrency = 4

// Store is the set of storage primitives a run needs.
type Store interface {
	OwnerlessSessions(ctx context.Context) ([]storage.OwnerlessSession, error)
	CountOwnerlessSessions(ctx context.Context) (int, error)
	FallbackOwner(ctx context.Context) (uuid.UUID, error)
	AssignSessionOwner(ctx context.Context, sessionID, ownerID uuid.UUID) (storage.OwnerAssignment, error)
	DuplicateSessionGroups(ctx context.Context) ([]storage.SessionGroup, error)
	MergeSessions(ctx context.Context, canonicalID, loserID uuid.UUID) (int64, error)
	EnsureUniqueSessionIndex(ctx context.Context) error
}

// Options controls a run.
type Options struct {
	// DryRun computes the plan without writing.
	DryRun bool
	// EnforceUniqueIndex creates the partial unique index after a clean verify.
	EnforceUniqueIndex bool
	Concurrency        int
}

// Summary counts what a run did (or would do, under DryRun).
type Summary struct {
	OwnersFromCoach    int  `json:"owners_from_coach"`
	OwnersFromFallback int  `json:"owners_from_fallback"`
	DuplicateGroups    int  `json:"duplicate_groups"`
	SessionsRemoved    int  `json:"sessions_removed"`
	MessagesMoved      int  `json:"messages_moved"`
	UniqueIndexEnsured bool `json:"unique_index_ensured"`
	DryRun             bool `json:"dry_run"`
}

// IntegrityError aborts a run whose data cannot be made consistent.
type IntegrityError struct {
	Phase  string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("reconcile: integrity violation during %s: %s", e.Phase, e.Detail)
}

// Reconciler runs session reconciliation against a store.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer

	sessionsFixed metric.Int64Counter
	messagesMoved metric.Int64Counter
}

// New creates a Reconciler.
func New(store Store, logger *slog.Logger) *Reconciler {
	meter := telemetry.Meter("sensei/reconcile")
	fixed, _ := meter.Int64Counter("sensei.reconcile.sessions",
		metric.WithDescription("Coaching sessions changed by reconciliation, by action"))
	moved, _ := meter.Int64Counter("sensei.reconcile.messages_moved",
		metric.WithDescription("Messages re-parented onto canonical sessions"))
	return &Reconciler{
		store:         store,
		logger:        logger,
		tracer:        telemetry.Tracer("sensei/reconcile"),
		sessionsFixed: fixed,
		messagesMoved: moved,
	}
}

// Run executes backfill, dedupe, and verify. A second run over a clean store
// returns an all-zero Summary.
func (r *Reconciler) Run(ctx context.Context, opts Options) (sum Summary, err error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	sum = Summary{DryRun: opts.DryRun}

	ctx, span := r.tracer.Start(ctx, "reconcile.run", trace.WithAttributes(
		attribute.Bool("sensei.dry_run", opts.DryRun),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := r.backfillOwners(ctx, opts, &sum); err != nil {
		return sum, err
	}
	if err := r.mergeDuplicates(ctx, opts, &sum); err != nil {
		return sum, err
	}
	if opts.DryRun {
		r.logger.Info("reconcile: dry run complete", "summary", sum)
		return sum, nil
	}

	groups, err := r.store.DuplicateSessionGroups(ctx)
	if err != nil {
		return sum, fmt.Errorf("reconcile: verify: %w", err)
	}
	if len(groups) > 0 {
		return sum, &IntegrityError{Phase: "verify", Detail: fmt.Sprintf("%d duplicate groups remain", len(groups))}
	}
	if opts.EnforceUniqueIndex {
		if err := r.store.EnsureUniqueSessionIndex(ctx); err != nil {
			return sum, fmt.Errorf("reconcile: enforce unique index: %w", err)
		}
		sum.UniqueIndexEnsured = true
	}

	r.record(ctx, sum)
	r.logger.Info("reconcile: complete",
		"owners_from_coach", sum.OwnersFromCoach,
		"owners_from_fallback", sum.OwnersFromFallback,
		"duplicate_groups", sum.DuplicateGroups,
		"sessions_removed", sum.SessionsRemoved,
		"messages_moved", sum.MessagesMoved,
	)
	return sum, nil
}

// record exports a completed run's counts. Partial and dry runs are not recorded.
func (r *Reconciler) record(ctx context.Context, sum Summary) {
	for action, n := range map[string]int{
		"owner_from_coach":    sum.OwnersFromCoach,
		"owner_from_fallback": sum.OwnersFromFallback,
		"removed":             sum.SessionsRemoved,
	} {
		if n > 0 {
			r.sessionsFixed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
		}
	}
	if sum.MessagesMoved > 0 {
		r.messagesMoved.Add(ctx, int64(sum.MessagesMoved))
	}
}

func (r *Reconciler) backfillOwners(ctx context.Context, opts Options, sum *Summary) error {
	ownerless, err := r.store.OwnerlessSessions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: backfill: %w", err)
	}
	if len(ownerless) == 0 {
		return nil
	}

	var fallback *uuid.UUID
	for _, s := range ownerless {
		owner := s.ClientCoachID
		fromCoach := owner != nil
		if !fromCoach {
			if fallback == nil {
				id, err := r.store.FallbackOwner(ctx)
				if errors.Is(err, storage.ErrNotFound) {
					return &IntegrityError{Phase: "backfill", Detail: fmt.Sprintf("session %s has no owner and no fallback user exists", s.SessionID)}
				}
				if err != nil {
					return fmt.Errorf("reconcile: fallback owner: %w", err)
				}
				fallback = &id
			}
			owner = fallback
		}

		if !opts.DryRun {
			a, err := r.store.AssignSessionOwner(ctx, s.SessionID, *owner)
			if err != nil {
				return fmt.Errorf("reconcile: assign owner to %s: %w", s.SessionID, err)
			}
			if !a.Assigned {
				continue
			}
			// The owner already had a live session for this client; the
			// store merged the two instead of creating a duplicate.
			if a.MergedSessionID != uuid.Nil {
				sum.DuplicateGroups++
				sum.SessionsRemoved++
				sum.MessagesMoved += int(a.MessagesMoved)
			}
		}
		if fromCoach {
			sum.OwnersFromCoach++
		} else {
			sum.OwnersFromFallback++
		}
	}
	r.logger.Info("reconcile: owners backfilled",
		"from_coach", sum.OwnersFromCoach, "from_fallback", sum.OwnersFromFallback, "dry_run", opts.DryRun)

	if opts.DryRun {
		return nil
	}
	left, err := r.store.CountOwnerlessSessions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: recheck owners: %w", err)
	}
	if left > 0 {
		return &IntegrityError{Phase: "backfill", Detail: fmt.Sprintf("%d sessions still have no owner", left)}
	}
	return nil
}

func (r *Reconciler) mergeDuplicates(ctx context.Context, opts Options, sum *Summary) error {
	groups, err := r.store.DuplicateSessionGroups(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: dedupe: %w", err)
	}
	sum.DuplicateGroups += len(groups)
	if len(groups) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, group := range groups {
		canonical, losers := Canonical(group.Sessions)
		if opts.DryRun {
			for _, l := range losers {
				sum.SessionsRemoved++
				sum.MessagesMoved += l.MessageCount
			}
			continue
		}
		g.Go(func() error {
			var removed, moved int
			// Losers within a group merge serially into the same canonical row.
			for _, l := range losers {
				n, err := r.store.MergeSessions(gctx, canonical.ID, l.ID)
				if err != nil {
					return fmt.Errorf("reconcile: merge %s into %s: %w", l.ID, canonical.ID, err)
				}
				removed++
				moved += int(n)
			}
			mu.Lock()
			sum.SessionsRemoved += removed
			sum.MessagesMoved += moved
			mu.Unlock()
			r.logger.Debug("reconcile: group merged",
				"owner_id", group.OwnerID, "client_id", group.ClientID,
				"canonical_id", canonical.ID, "removed", removed, "messages_moved", moved)
			return nil
		})
	}
	return g.Wait()
}

// Canonical picks the session that survives a merge: most messages, then most
// recently updated, then smallest id. The rest are returned in id order.
func Canonical(sessions []storage.SessionStats) (storage.SessionStats, []storage.SessionStats) {
	sorted := slices.Clone(sessions)
	slices.SortFunc(sorted, func(a, b storage.SessionStats) int {
		if c := cmp.Compare(b.MessageCount, a.MessageCount); c != 0 {
			return c
		}
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	losers := sorted[1:]
	slices.SortFunc(losers, func(a, b storage.SessionStats) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	return sorted[0], losers
}

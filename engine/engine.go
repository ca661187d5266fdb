// Action coordinator: runs the moderation pipeline once and converts a
// verdict into at most one ledger mutation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vigil-mod/vigil/ledger"
	"github.com/vigil-mod/vigil/policy"
	"github.com/vigil-mod/vigil/resolver"
	"github.com/vigil-mod/vigil/scoring"
)

type OutcomeKind string

const (
	OutcomeNoActiveItem      OutcomeKind = "no-active-item"
	OutcomeAlreadyResolved   OutcomeKind = "already-resolved"
	OutcomeAlreadyFlagged    OutcomeKind = "already-flagged"
	OutcomeNoRetrievableText OutcomeKind = "no-retrievable-text"
	OutcomePassed            OutcomeKind = "passed"
	OutcomeFlagged           OutcomeKind = "flagged"
	OutcomeActionFailed      OutcomeKind = "action-failed"
)

// Terminal result of one run. Err is set only for OutcomeActionFailed.
type Outcome struct {
	Kind    OutcomeKind
	ItemID  uint64
	Verdict *policy.Verdict
	Receipt *ledger.TxReceipt
	Err     error
}

// Receives terminal outcomes worth surfacing to humans.
type Notifier interface {
	SendOutcome(ctx context.Context, out *Outcome) error
}

// Records completed runs. Implemented by runstore.Store.
type RunRecorder interface {
	RecordRun(ctx context.Context, out *Outcome, took time.Duration) error
}

// Runtime for one-shot moderation passes against the active ledger item.
//
// A run walks a fixed seven-state workflow: active item lookup, resolved
// check, flagged check, content resolution, scoring, flagged re-check,
// mutation. Each step short-circuits to a terminal outcome; runs are never
// resumed. The flagged re-check immediately before the mutation is a
// required defense against concurrent agent runs, not an optimization:
// there is no external lock, and the residual race is settled by the
// ledger itself (a duplicate setFlag lands as a benign revert).
//
// An item with isFlagged already true is always terminal for a run, even
// if the ledger could somehow un-flag upstream. That is a policy choice;
// revisit against actual ledger semantics if un-flagging becomes real.
type Engine struct {
	Logger       *slog.Logger
	Ledger       ledger.Client
	Resolver     *resolver.Resolver
	Orchestrator *scoring.Orchestrator
	// optional; nil disables run history
	Runs RunRecorder
	// optional; nil disables notifications
	Notifier Notifier
	// resolve and score but never mutate the ledger or record history
	DryRun bool
}

func (e *Engine) Run(ctx context.Context) (out *Outcome, err error) {
	start := time.Now()
	// recover panics from provider/resolver plumbing, like an HTTP server would
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("moderation run panicked", "err", r)
			out = nil
			err = fmt.Errorf("moderation run panicked: %v", r)
		}
	}()

	out, err = e.runSteps(ctx)
	if err != nil {
		runErrorCount.Inc()
		return nil, err
	}
	e.finish(ctx, out, time.Since(start))
	return out, nil
}

func (e *Engine) runSteps(ctx context.Context) (*Outcome, error) {
	id, err := e.Ledger.GetActiveItemID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading active item id: %w", err)
	}
	if id == 0 {
		return &Outcome{Kind: OutcomeNoActiveItem}, nil
	}

	item, err := e.Ledger.GetItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading item %d: %w", id, err)
	}
	if item.Resolved {
		return &Outcome{Kind: OutcomeAlreadyResolved, ItemID: id}, nil
	}

	flagged, err := e.Ledger.IsFlagged(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading flagged state for item %d: %w", id, err)
	}
	if flagged {
		return &Outcome{Kind: OutcomeAlreadyFlagged, ItemID: id}, nil
	}

	res := e.Resolver.Resolve(ctx, item.ContentRef, item.ContentHash)
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return &Outcome{Kind: OutcomeNoRetrievableText, ItemID: id}, nil
	}
	e.logger().Debug("resolved item content", "item", id, "source", res.Source, "chars", len(res.Text))

	verdict := e.Orchestrator.Decide(ctx, res.Text)
	if !verdict.Flagged {
		return &Outcome{Kind: OutcomePassed, ItemID: id, Verdict: &verdict}, nil
	}

	if e.DryRun {
		e.logger().Info("dry run, skipping flag submission", "item", id, "reasons", verdict.Reasons)
		return &Outcome{Kind: OutcomeFlagged, ItemID: id, Verdict: &verdict}, nil
	}

	// re-check immediately before mutating: another run may have flagged
	// the item since the step-3 read
	flagged, err = e.Ledger.IsFlagged(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("re-checking flagged state for item %d: %w", id, err)
	}
	if flagged {
		return &Outcome{Kind: OutcomeAlreadyFlagged, ItemID: id, Verdict: &verdict}, nil
	}

	receipt, err := e.Ledger.SetFlag(ctx, id, true)
	if errors.Is(err, ledger.ErrAlreadyFlagged) {
		// lost the residual race to a concurrent run; harmless
		return &Outcome{Kind: OutcomeAlreadyFlagged, ItemID: id, Verdict: &verdict}, nil
	}
	if err != nil {
		return &Outcome{Kind: OutcomeActionFailed, ItemID: id, Verdict: &verdict, Receipt: receipt, Err: err}, nil
	}
	if !receipt.Success() {
		return &Outcome{Kind: OutcomeActionFailed, ItemID: id, Verdict: &verdict, Receipt: receipt, Err: fmt.Errorf("setFlag not confirmed: %s", receipt.Status)}, nil
	}
	return &Outcome{Kind: OutcomeFlagged, ItemID: id, Verdict: &verdict, Receipt: receipt}, nil
}

// canonical log line, metrics, run history, notification
func (e *Engine) finish(ctx context.Context, out *Outcome, took time.Duration) {
	logger := e.logger().With("outcome", out.Kind, "item", out.ItemID, "took", took)
	if out.Verdict != nil {
		logger = logger.With("provider", out.Verdict.Provider, "reasons", strings.Join(out.Verdict.Reasons, "; "))
	}
	if out.Receipt != nil {
		logger = logger.With("tx", out.Receipt.TxID)
	}
	if out.Err != nil {
		logger.Error("moderation run complete", "err", out.Err)
	} else {
		logger.Info("moderation run complete")
	}

	runOutcomeCount.WithLabelValues(string(out.Kind)).Inc()
	runDuration.Observe(took.Seconds())

	if e.DryRun {
		return
	}
	if e.Runs != nil {
		if err := e.Runs.RecordRun(ctx, out, took); err != nil {
			e.logger().Warn("failed to record run history", "err", err)
		}
	}
	if e.Notifier != nil && (out.Kind == OutcomeFlagged || out.Kind == OutcomeActionFailed) {
		if err := e.Notifier.SendOutcome(ctx, out); err != nil {
			e.logger().Warn("failed to send notification", "err", err)
		}
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

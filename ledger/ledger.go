// Client interface and types for the agora content board ledger.
//
// The moderation core consumes the ledger through the Client interface and
// never constructs transactions itself; the single mutating entry point is
// SetFlag. Items are immutable snapshots from the core's point of view.
package ledger

import (
	"context"
	"errors"
)

// Snapshot of a single content board item, read once per moderation run.
//
// Stake, SubmittedAt, and the vote tallies are ledger bookkeeping which the
// moderation core passes through untouched.
type ItemRecord struct {
	ID           uint64 `json:"id"`
	ContentRef   string `json:"contentRef"`
	ContentHash  []byte `json:"contentHash,omitempty"`
	Resolved     bool   `json:"resolved"`
	Stake        string `json:"stake,omitempty"`
	SubmittedAt  int64  `json:"submittedAt,omitempty"`
	VotesFor     uint64 `json:"votesFor,omitempty"`
	VotesAgainst uint64 `json:"votesAgainst,omitempty"`
}

// Confirmation for a submitted ledger mutation.
type TxReceipt struct {
	TxID        string `json:"txId"`
	Status      string `json:"status"` // "success" or "reverted"
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

func (r *TxReceipt) Success() bool {
	return r != nil && r.Status == "success"
}

// Returned by SetFlag when the ledger reports the item was already flagged
// when the transaction landed. This is a benign conflict with a concurrent
// agent run, not a failure.
var ErrAlreadyFlagged = errors.New("item already flagged on ledger")

// Read/write access to the content board. Implementations must make SetFlag
// block until the mutation is confirmed (or known-failed) by the ledger.
type Client interface {
	// Returns 0 when no item is currently active.
	GetActiveItemID(ctx context.Context) (uint64, error)
	GetItem(ctx context.Context, id uint64) (*ItemRecord, error)
	IsFlagged(ctx context.Context, id uint64) (bool, error)
	SetFlag(ctx context.Context, id uint64, flagged bool) (*TxReceipt, error)
}

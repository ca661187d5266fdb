package ledger

import (
	"context"
	"fmt"
)

// In-memory ledger for tests and local development. Not safe for concurrent
// use; the moderation core is sequential within a run.
type MemClient struct {
	ActiveID uint64
	Items    map[uint64]*ItemRecord
	Flags    map[uint64]bool

	// invoked before SetFlag applies its mutation; lets tests simulate a
	// concurrent run racing the agent between re-check and submission
	SetFlagHook func()
	// force the next SetFlag to fail with this error
	SetFlagErr error

	SetFlagCalls int
}

func NewMemClient() *MemClient {
	return &MemClient{
		Items: make(map[uint64]*ItemRecord),
		Flags: make(map[uint64]bool),
	}
}

func (m *MemClient) GetActiveItemID(ctx context.Context) (uint64, error) {
	return m.ActiveID, nil
}

func (m *MemClient) GetItem(ctx context.Context, id uint64) (*ItemRecord, error) {
	item, ok := m.Items[id]
	if !ok {
		return nil, fmt.Errorf("no such item: %d", id)
	}
	return item, nil
}

func (m *MemClient) IsFlagged(ctx context.Context, id uint64) (bool, error) {
	return m.Flags[id], nil
}

func (m *MemClient) SetFlag(ctx context.Context, id uint64, flagged bool) (*TxReceipt, error) {
	m.SetFlagCalls++
	if m.SetFlagHook != nil {
		m.SetFlagHook()
	}
	if m.SetFlagErr != nil {
		err := m.SetFlagErr
		m.SetFlagErr = nil
		return nil, err
	}
	if flagged && m.Flags[id] {
		return nil, ErrAlreadyFlagged
	}
	m.Flags[id] = flagged
	return &TxReceipt{
		TxID:        fmt.Sprintf("0xmem%d", m.SetFlagCalls),
		Status:      "success",
		BlockNumber: uint64(100 + m.SetFlagCalls),
	}, nil
}

var _ Client = (*MemClient)(nil)

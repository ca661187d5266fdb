package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigil-mod/vigil/util"

	"github.com/carlmjohnson/versioninfo"
)

// Ledger error code for a setFlag transaction which reverted because the
// flag was already set. See HTTPClient.SetFlag.
const codeAlreadyFlagged = -32050

const defaultConfirmTimeout = 60 * time.Second
const defaultConfirmInterval = 2 * time.Second

// JSON-RPC 2.0 client for an agora content board node.
type HTTPClient struct {
	// Client is an HTTP client to use. If not set, defaults to util.RobustHTTPClient().
	Client *http.Client
	// base URL of the ledger node, eg https://rpc.agora.example
	Host string
	// address of the item collection contract the agent moderates
	Collection string
	// bearer token identifying the agent to the node
	AuthToken string
	UserAgent *string
	// how long SetFlag waits for transaction confirmation
	ConfirmTimeout time.Duration
	// how often SetFlag polls for a receipt
	ConfirmInterval time.Duration
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC ERROR %d: %s", e.Code, e.Message)
}

func (c *HTTPClient) getClient() *http.Client {
	if c.Client == nil {
		return util.RobustHTTPClient()
	}
	return c.Client
}

func (c *HTTPClient) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if c.UserAgent != nil {
		req.Header.Set("User-Agent", *c.UserAgent)
	} else {
		req.Header.Set("User-Agent", "vigil/"+versioninfo.Short())
	}

	resp, err := c.getClient().Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger request failed statusCode=%d", resp.StatusCode)
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read ledger response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse ledger response: %w", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeAlreadyFlagged {
			return ErrAlreadyFlagged
		}
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to parse ledger result: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) GetActiveItemID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := c.call(ctx, "agora_activeItemId", &id, c.Collection); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *HTTPClient) GetItem(ctx context.Context, id uint64) (*ItemRecord, error) {
	var item ItemRecord
	if err := c.call(ctx, "agora_getItem", &item, c.Collection, id); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *HTTPClient) IsFlagged(ctx context.Context, id uint64) (bool, error) {
	var flagged bool
	if err := c.call(ctx, "agora_isFlagged", &flagged, c.Collection, id); err != nil {
		return false, err
	}
	return flagged, nil
}

// Submits the flag mutation and polls until the transaction is confirmed,
// the confirmation window expires, or ctx is cancelled. A receipt with
// reverted status is returned alongside a non-nil error.
func (c *HTTPClient) SetFlag(ctx context.Context, id uint64, flagged bool) (*TxReceipt, error) {
	var txid string
	if err := c.call(ctx, "agora_setFlag", &txid, c.Collection, id, flagged); err != nil {
		return nil, err
	}

	confirmTimeout := c.ConfirmTimeout
	if confirmTimeout == 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	interval := c.ConfirmInterval
	if interval == 0 {
		interval = defaultConfirmInterval
	}

	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var receipt *TxReceipt
		if err := c.call(ctx, "agora_getReceipt", &receipt, txid); err != nil {
			return nil, err
		}
		// nil receipt means the transaction is still pending
		if receipt != nil {
			if receipt.Status == "reverted" {
				return receipt, fmt.Errorf("setFlag transaction reverted: %s", txid)
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for setFlag confirmation: %s", txid)
		case <-ticker.C:
		}
	}
}

var _ Client = (*HTTPClient)(nil)

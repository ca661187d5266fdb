package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type SlackNotifier struct {
	SlackWebhookURL string
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) SendOutcome(ctx context.Context, out *Outcome) error {
	var msg string
	switch out.Kind {
	case OutcomeFlagged:
		msg = fmt.Sprintf("⚠️ Vigil flagged item `%d` ⚠️\n", out.ItemID)
	case OutcomeActionFailed:
		msg = fmt.Sprintf("🚨 Vigil failed to flag item `%d` 🚨\nError: %v\n", out.ItemID, out.Err)
	default:
		return nil
	}
	if out.Verdict != nil {
		msg += fmt.Sprintf("Provider: `%s`\n", out.Verdict.Provider)
		msg += fmt.Sprintf("Reasons: `%s`\n", strings.Join(out.Verdict.Reasons, ", "))
	}
	if out.Receipt != nil {
		msg += fmt.Sprintf("`%s`\n", out.Receipt.TxID)
	}
	return n.sendSlackMsg(ctx, msg)
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := http.DefaultClient
	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

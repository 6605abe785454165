package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/QuantCanary/canary-trader/internal/model"
)

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to Telegram API
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts a message to the configured Telegram chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	vals := url.Values{
		"chat_id":    {n.chatID},
		"text":       {msg},
		"parse_mode": {"HTML"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.URL.RawQuery = vals.Encode()

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// NotifyShadowVerdict sends the outcome of shadow validation.
func (n *Notifier) NotifyShadowVerdict(ctx context.Context, t *model.ImprovementTest, result *model.ShadowResult) error {
	msg := fmt.Sprintf(
		"<b>Shadow Verdict: %s</b>\nTest: <code>%s</code>\nComponent: %s\nTrades: %d\nRisk Score: %s",
		result.Verdict, t.ID, t.Component, result.Trades, result.RiskScore,
	)
	return n.Send(ctx, msg)
}

// NotifyStageAdvance sends a rollout stage transition alert.
func (n *Notifier) NotifyStageAdvance(ctx context.Context, t *model.ImprovementTest, from, to model.Phase) error {
	msg := fmt.Sprintf(
		"<b>Stage Advance</b>\nTest: <code>%s</code>\nComponent: %s\n%s → %s",
		t.ID, t.Component, from, to,
	)
	return n.Send(ctx, msg)
}

// NotifyRollback sends a rollback execution alert.
func (n *Notifier) NotifyRollback(ctx context.Context, decision *model.RollbackDecision, result *model.RollbackResult) error {
	status := "OK"
	if !result.Success {
		status = fmt.Sprintf("PARTIAL (%d issues)", len(result.Issues))
	}
	msg := fmt.Sprintf(
		"<b>Rollback [%s]</b>\nTest: <code>%s</code>\nReason: %s\nReverted: %d changes, %d accounts stopped\nStatus: %s",
		decision.Severity, decision.TestID, decision.Reason,
		result.RevertedChanges, result.StoppedAccounts, status,
	)
	return n.Send(ctx, msg)
}

// NotifyEmergencyStop sends an emergency stop alert.
func (n *Notifier) NotifyEmergencyStop(ctx context.Context, testID, requestedBy string) error {
	msg := fmt.Sprintf(
		"<b>EMERGENCY STOP</b>\nTest: <code>%s</code>\nRequested by: %s\nTreatment trading halted.",
		testID, requestedBy,
	)
	return n.Send(ctx, msg)
}

// NotifyCompleted sends a full-deployment alert.
func (n *Notifier) NotifyCompleted(ctx context.Context, t *model.ImprovementTest) error {
	improvement := "n/a"
	if t.LatestComparison != nil {
		improvement = t.LatestComparison.PercentImprovement.Round(2).String() + "%"
	}
	msg := fmt.Sprintf(
		"<b>Test Completed</b>\nTest: <code>%s</code>\nComponent: %s\nImprovement: %s",
		t.ID, t.Component, improvement,
	)
	return n.Send(ctx, msg)
}

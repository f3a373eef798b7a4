package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Mattermost posts a deploy-outcome message to a Mattermost incoming
// webhook — the only notifications.service kind the configuration
// schema recognizes today (spec §6). Message rendering mirrors the
// teacher's Discord notifier's shape (a single formatted text payload)
// adapted to Mattermost's {text} webhook contract.
type Mattermost struct {
	name    string
	url     string
	message string
	client  *http.Client
}

func NewMattermost(name, url, message string) *Mattermost {
	return &Mattermost{
		name:    name,
		url:     url,
		message: message,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *Mattermost) Name() string { return "mattermost:" + m.name }

type mattermostPayload struct {
	Text string `json:"text"`
}

func (m *Mattermost) Send(ctx context.Context, alert Alert) error {
	text := m.message
	if text == "" {
		text = fmt.Sprintf("deployed %s", alert.StackName)
	}
	if alert.OldDigest != "" && alert.NewDigest != "" {
		text += fmt.Sprintf("\n%s -> %s", shortDigest(alert.OldDigest), shortDigest(alert.NewDigest))
	}

	body, err := json.Marshal(mattermostPayload{Text: text})
	if err != nil {
		return fmt.Errorf("marshal mattermost payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req) // #nosec G704 -- URL from local config
	if err != nil {
		return fmt.Errorf("mattermost webhook %q: %w", m.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("mattermost webhook %q: HTTP %d", m.name, resp.StatusCode)
	}
	return nil
}

func shortDigest(digest string) string {
	if len(digest) > 19 {
		return digest[:19]
	}
	return digest
}

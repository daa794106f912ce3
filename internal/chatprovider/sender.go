// Package chatprovider supplies the one outbound adapter the reply
// pipelines need: posting a generated reply back to whatever chat
// provider delivered the inbound webhook. It intentionally stops at a
// generic POST — provider-specific protocols (Chatwoot conversation
// notes, WhatsApp message templates, tagging/assignment) are out of
// scope; internal/actionexec's HTTPHandler already covers those as
// action-bus handler kinds when a concrete integration is configured.
package chatprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Sender posts a generated reply to a configured chat-provider webhook
// URL, satisfying the replypipeline.deps.send contract. A blank url
// makes Send a logging no-op, so the pipelines run without a configured
// outbound destination (tests, local dev).
type Sender struct {
	url    string
	client *http.Client
}

func New(url string) *Sender {
	return &Sender{url: url, client: &http.Client{Timeout: 15 * time.Second}}
}

func (s *Sender) Send(ctx context.Context, accountID, conversationID, text string) error {
	if s.url == "" {
		log.Debug().Str("conversation_id", conversationID).Msg("chatprovider: no reply URL configured, dropping outbound reply")
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"account_id":      accountID,
		"conversation_id": conversationID,
		"text":            text,
	})
	if err != nil {
		return fmt.Errorf("marshal outbound reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create outbound reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post outbound reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat provider returned status %d", resp.StatusCode)
	}
	return nil
}

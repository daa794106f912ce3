// Package webhook implements the inbound chat-provider webhook gate:
// timestamp/signature verification and handoff to the work queue.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/internal/queue"
)

const defaultMaxClockSkew = 300 * time.Second

var payloadValidator = validator.New()

// InboundPayload is the provider-specific JSON body. Only the fields the
// gate needs to route are typed.
type InboundPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	AccountID      string `json:"account_id" validate:"required"`
	ContactID      string `json:"contact_id,omitempty"`
	InboxTag       string `json:"inbox_tag,omitempty"`
	MessageText    string `json:"message_text" validate:"required"`
}

// Gate verifies inbound webhook requests and enqueues accepted jobs.
type Gate struct {
	secret       string
	maxClockSkew time.Duration
	q            queue.Queue
}

func New(secret string, maxClockSkew time.Duration, q queue.Queue) *Gate {
	if maxClockSkew <= 0 {
		maxClockSkew = defaultMaxClockSkew
	}
	return &Gate{secret: secret, maxClockSkew: maxClockSkew, q: q}
}

// ServeHTTP verifies the request and hands the job to the queue,
// responding 2xx as soon as the job is accepted — never waiting on
// downstream pipeline work.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	if err := g.verify(r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), body); err != nil {
		var ae *apperrors.Error
		status := http.StatusUnauthorized
		if ok := asAppError(err, &ae); ok {
			log.Warn().Str("kind", string(ae.Kind)).Msg("webhook rejected")
		}
		writeJSONError(w, status, err.Error())
		return
	}

	var payload InboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if err := payloadValidator.Struct(payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	job := queue.Job{
		ConversationID: payload.ConversationID,
		AccountID:      payload.AccountID,
		ContactID:      payload.ContactID,
		InboxTag:       payload.InboxTag,
		RawMessage:     payload.MessageText,
		ReceivedAt:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.q.Enqueue(ctx, job); err != nil {
		log.Error().Err(err).Msg("enqueue failed")
		writeJSONError(w, http.StatusServiceUnavailable, "queue overflow")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// verify checks the timestamp freshness and HMAC signature. When the
// gate's secret is unset, verification is bypassed entirely
// (development mode).
func (g *Gate) verify(tsHeader, sigHeader string, body []byte) error {
	if g.secret == "" {
		return nil
	}
	if tsHeader == "" || sigHeader == "" {
		return apperrors.New(apperrors.KindAuth, "webhook.verify", "MISSING_AUTH_HEADERS", nil)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return apperrors.New(apperrors.KindAuth, "webhook.verify", "MISSING_AUTH_HEADERS", err)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxClockSkew {
		return apperrors.New(apperrors.KindAuth, "webhook.verify", "STALE_TIMESTAMP", nil)
	}

	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sigHeader)) != 1 {
		return apperrors.New(apperrors.KindAuth, "webhook.verify", "INVALID_SIGNATURE", nil)
	}
	return nil
}

func asAppError(err error, target **apperrors.Error) bool {
	ae, ok := err.(*apperrors.Error)
	if ok {
		*target = ae
	}
	return ok
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

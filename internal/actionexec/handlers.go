package actionexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPHandler executes an action by POSTing its payload to a
// configured URL, used for the webhook, chatwoot, and whatsapp kinds
// (each is an HTTP integration that differs only in base URL/auth).
type HTTPHandler struct {
	kind       string
	client     *http.Client
	endpoint   string
	authHeader string
	authValue  string
}

func NewHTTPHandler(kind, endpoint, authHeader, authValue string) *HTTPHandler {
	return &HTTPHandler{
		kind:       kind,
		client:     &http.Client{Timeout: 15 * time.Second},
		endpoint:   endpoint,
		authHeader: authHeader,
		authValue:  authValue,
	}
}

func (h *HTTPHandler) Kind() string { return h.kind }

func (h *HTTPHandler) Execute(ctx context.Context, actionType string, payload, actionCtx map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{"action_type": actionType, "payload": payload, "context": actionCtx})
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.authHeader != "" {
		req.Header.Set(h.authHeader, h.authValue)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err // network error: retryable
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("unauthorized: %s", string(respBody))
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("not found: %s", string(respBody))
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("invalid payload: %s", string(respBody))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("handler %s returned status %d: %s", h.kind, resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]interface{}{"raw": string(respBody)}
		}
	}
	return result, nil
}

// SheetsHandler executes actions against the Knowledge Registry's
// backing spreadsheet (e.g. updating a season rule or product row).
// SheetWriter narrows registry.GoogleSheetsFetcher-style access to the
// write operations actions need, avoiding an actionexec→registry
// import cycle.
type SheetWriter interface {
	UpdateRow(ctx context.Context, tab, rowID string, values map[string]interface{}) error
}

type SheetsHandler struct {
	sheets SheetWriter
}

func NewSheetsHandler(sheets SheetWriter) *SheetsHandler {
	return &SheetsHandler{sheets: sheets}
}

func (h *SheetsHandler) Kind() string { return "sheets" }

func (h *SheetsHandler) Execute(ctx context.Context, actionType string, payload, actionCtx map[string]interface{}) (map[string]interface{}, error) {
	tab, _ := payload["tab"].(string)
	rowID, _ := payload["row_id"].(string)
	if tab == "" || rowID == "" {
		return nil, fmt.Errorf("invalid payload: sheets handler requires tab and row_id")
	}
	values, _ := payload["values"].(map[string]interface{})
	if err := h.sheets.UpdateRow(ctx, tab, rowID, values); err != nil {
		return nil, err
	}
	return map[string]interface{}{"tab": tab, "row_id": rowID, "updated": true}, nil
}

// InternalFunc is a handler-kind="internal" action implemented as an
// in-process Go function (e.g. SUSPEND_EMPLOYEE_ACCESS toggling a flag
// in this service's own store), keyed by action_type.
type InternalFunc func(ctx context.Context, payload, actionCtx map[string]interface{}) (map[string]interface{}, error)

type InternalHandler struct {
	funcs map[string]InternalFunc
}

func NewInternalHandler() *InternalHandler {
	return &InternalHandler{funcs: make(map[string]InternalFunc)}
}

func (h *InternalHandler) Kind() string { return "internal" }

func (h *InternalHandler) RegisterFunc(actionType string, fn InternalFunc) {
	h.funcs[actionType] = fn
}

func (h *InternalHandler) Execute(ctx context.Context, actionType string, payload, actionCtx map[string]interface{}) (map[string]interface{}, error) {
	fn, ok := h.funcs[actionType]
	if !ok {
		return nil, fmt.Errorf("invalid action type: no internal function registered for %s", actionType)
	}
	return fn(ctx, payload, actionCtx)
}

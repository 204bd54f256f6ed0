package toggl

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"togglsync/internal/domain"
)

// SignatureHeader carries the HMAC of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature-256"

// Webhook is a decoded Toggl webhook delivery.
type Webhook struct {
	Ping           bool
	ValidationCode string
	Action         domain.Action
	// Entry is nil when the delivery carries nothing to sync; Ignored says why.
	Entry   *domain.EntryEvent
	Ignored string
}

type rawEnvelope struct {
	CreatedAt      string          `json:"created_at"`
	ValidationCode string          `json:"validation_code"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       struct {
		Action string `json:"action"`
		Model  string `json:"model"`
	} `json:"metadata"`
}

// rawWebhookEntry accepts both the v9 field names and the legacy short ones.
type rawWebhookEntry struct {
	ID          int64    `json:"id"`
	Description string   `json:"description"`
	Start       string   `json:"start"`
	Stop        *string  `json:"stop"`
	ProjectID   *int64   `json:"project_id"`
	PID         *int64   `json:"pid"`
	WorkspaceID *int64   `json:"workspace_id"`
	WID         *int64   `json:"wid"`
	TagIDs      []int64  `json:"tag_ids"`
	Tags        []string `json:"tags"`
}

// ParseWebhook decodes a webhook body. An error means the body is not valid
// JSON; every other oddity is reported through Webhook.Ignored.
func ParseWebhook(body []byte) (Webhook, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Webhook{}, fmt.Errorf("decode webhook: %w", err)
	}
	wh := Webhook{
		ValidationCode: env.ValidationCode,
		Action:         domain.Action(strings.ToLower(env.Metadata.Action)),
	}

	payload := bytes.TrimSpace(env.Payload)
	var s string
	if len(payload) > 0 && payload[0] == '"' && json.Unmarshal(payload, &s) == nil && s == "ping" {
		wh.Ping = true
		return wh, nil
	}
	if len(payload) == 0 || payload[0] != '{' {
		wh.Ignored = "payload is not an object"
		return wh, nil
	}
	var raw rawWebhookEntry
	if err := json.Unmarshal(payload, &raw); err != nil {
		wh.Ignored = "payload is not a time entry"
		return wh, nil
	}
	if raw.ID == 0 {
		wh.Ignored = "time entry missing id"
		return wh, nil
	}
	if !wh.Action.Known() {
		wh.Ignored = "unknown action " + string(wh.Action)
		return wh, nil
	}

	ev, err := normalizeEntry(raw)
	if err != nil && wh.Action != domain.ActionDeleted {
		wh.Ignored = err.Error()
		return wh, nil
	}
	ev.Action = wh.Action
	if t, err := parseTime(env.CreatedAt); err == nil && !t.IsZero() {
		ev.CreatedAt = &t
	}
	wh.Entry = &ev
	return wh, nil
}

// normalizeEntry reconciles alternate payload keys into one EntryEvent.
func normalizeEntry(raw rawWebhookEntry) (domain.EntryEvent, error) {
	ev := domain.EntryEvent{
		EntryID:     raw.ID,
		Description: raw.Description,
		ProjectID:   firstSet(raw.ProjectID, raw.PID),
		WorkspaceID: firstSet(raw.WorkspaceID, raw.WID),
		TagIDs:      raw.TagIDs,
	}
	if len(ev.TagIDs) == 0 && len(raw.Tags) > 0 {
		ev.TagNames = raw.Tags
	}
	start, err := parseTime(raw.Start)
	if err != nil || start.IsZero() {
		return ev, fmt.Errorf("invalid start %q", raw.Start)
	}
	ev.Start = start
	if raw.Stop != nil {
		stop, err := parseTime(*raw.Stop)
		if err != nil {
			return ev, fmt.Errorf("invalid stop %q", *raw.Stop)
		}
		if !stop.IsZero() {
			ev.Stop = &stop
		}
	}
	return ev, nil
}

func firstSet(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil && *v != 0 {
			return v
		}
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// VerifySignature checks header ("sha256=<hex>") against the HMAC-SHA256 of
// body keyed by secret.
func VerifySignature(body []byte, header, secret string) bool {
	sig := strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

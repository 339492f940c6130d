package mailsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/joshsymonds/mailwatch/internal/gmail"
)

// pushEnvelope is the body of a push subscription delivery.
type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notification is the decoded provider payload.
type Notification struct {
	EmailAddress string
	HistoryID    gmail.HistoryID
	// MessageID is the delivery id assigned by the channel.
	MessageID string
}

// DecodeNotification unwraps a push envelope and parses its payload.
func DecodeNotification(raw []byte) (Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: envelope: %w", ErrDecode, err)
	}
	data, err := decodeBase64(env.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: data: %w", ErrDecode, err)
	}
	var payload struct {
		EmailAddress string          `json:"emailAddress"`
		HistoryID    json.RawMessage `json:"historyId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: payload: %w", ErrDecode, err)
	}
	id, err := parsePayloadHistoryID(payload.HistoryID)
	if err != nil {
		return Notification{}, err
	}
	return Notification{EmailAddress: payload.EmailAddress, HistoryID: id, MessageID: env.Message.MessageID}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// parsePayloadHistoryID accepts the id as a JSON number or a numeric string.
func parsePayloadHistoryID(raw json.RawMessage) (gmail.HistoryID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: historyId missing", ErrMalformedPayload)
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: historyId: %w", ErrMalformedPayload, err)
		}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(text), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: historyId %s", ErrMalformedPayload, raw)
	}
	return gmail.HistoryID(n), nil
}

// Process handles one inbound push delivery. A notification at or behind the
// stored cursor is stale and makes no provider call. Otherwise the history is
// fetched and, once the cursor has advanced, a lease inside the renewal
// margin is renewed.
func (s *Session) Process(ctx context.Context, raw []byte) (delta Delta, err error) {
	ctx, end := s.inst.startSpan(ctx, "mailsync.Process", attribute.String("mailbox", s.MailboxID))
	defer func() { end(err) }()

	n, err := DecodeNotification(raw)
	if err != nil {
		s.inst.recordNotification(ctx, s.MailboxID, outcomeInvalid)
		return Delta{}, err
	}
	st, err := s.State(ctx)
	if err != nil {
		s.inst.recordNotification(ctx, s.MailboxID, outcomeFailed)
		return Delta{}, err
	}

	if st.HistoryID == 0 {
		// no baseline yet: start from the mailbox's current position
		cursor, err := s.seedCursor(ctx)
		if err != nil {
			s.inst.recordNotification(ctx, s.MailboxID, outcomeFailed)
			return Delta{}, err
		}
		s.log.InfoContext(ctx, "cursor initialized from profile", "history_id", cursor, "notification", n.HistoryID)
		s.inst.recordNotification(ctx, s.MailboxID, outcomeStale)
		return Delta{Messages: map[gmail.MessageID]gmail.Message{}, HistoryID: cursor, Stale: true}, nil
	}
	if n.HistoryID <= st.HistoryID {
		s.log.DebugContext(ctx, "stale notification", "history_id", n.HistoryID, "cursor", st.HistoryID)
		s.inst.recordNotification(ctx, s.MailboxID, outcomeStale)
		return Delta{Messages: map[gmail.MessageID]gmail.Message{}, HistoryID: st.HistoryID, Stale: true}, nil
	}

	cfg, err := s.Config(ctx)
	if err != nil {
		s.inst.recordNotification(ctx, s.MailboxID, outcomeFailed)
		return Delta{}, err
	}
	delta, err = s.getHistory(ctx, st, cfg)
	if err != nil {
		s.inst.recordNotification(ctx, s.MailboxID, outcomeFailed)
		return Delta{}, err
	}
	s.inst.recordNotification(ctx, s.MailboxID, outcomeAdvanced)

	if !st.WatchExpiry.IsZero() && s.needsRenewal(st.WatchExpiry) {
		// the delta is already committed; a renewal failure is retried on the next notification
		if err := s.createWatch(ctx, st, cfg, true); err != nil {
			s.logFailure(ctx, "opportunistic watch renewal failed", err)
		}
	}
	return delta, nil
}

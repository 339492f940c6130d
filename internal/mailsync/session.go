// Package mailsync keeps a mailbox's change cursor in step with the provider:
// it provisions the push channel, decodes inbound notifications, pulls the
// incremental history they point at and filters the result by label.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/joshsymonds/mailwatch/internal/config"
	"github.com/joshsymonds/mailwatch/internal/gmail"
	"github.com/joshsymonds/mailwatch/internal/property"
	"github.com/joshsymonds/mailwatch/internal/pubsub"
	"github.com/joshsymonds/mailwatch/internal/rate"
	"github.com/joshsymonds/mailwatch/internal/retry"
)

// DefaultRenewalMargin is how long before lease expiry a watch is renewed.
const DefaultRenewalMargin = 72 * time.Hour

// Options are the deployment constants shared by every mailbox.
type Options struct {
	Project            string
	PushServiceAccount string
	CallbackRoot       string
	RenewalMargin      time.Duration
	PageSize           int
	// CursorRetry governs retries of a lost cursor compare-and-swap.
	CursorRetry retry.Config
}

// Env carries the collaborators shared by every mailbox session.
type Env struct {
	Options
	PubSub pubsub.Client
	Props  property.Store
	Rate   rate.Limiter
	Logger *slog.Logger
	Clock  func() time.Time

	inst *instruments
}

// MailboxState is the persisted synchronization state of one mailbox.
type MailboxState struct {
	HistoryID    gmail.HistoryID
	Topic        string
	Subscription string
	WatchExpiry  time.Time
}

// AllOk reports whether the mailbox is fully provisioned.
func (s MailboxState) AllOk() bool {
	return s.HistoryID != 0 && s.Topic != "" && s.Subscription != "" && !s.WatchExpiry.IsZero()
}

// Session runs the synchronization operations of a single mailbox.
type Session struct {
	MailboxID string

	gmail   gmail.Client
	pubsub  pubsub.Client
	props   property.Store
	configs *config.Store
	rate    rate.Limiter
	log     *slog.Logger
	now     func() time.Time
	opts    Options
	inst    *instruments
}

// NewSession binds a mailbox to its authorized provider client.
func NewSession(mailboxID string, client gmail.Client, env Env) *Session {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Rate == nil {
		env.Rate = rate.Unlimited{}
	}
	if env.Clock == nil {
		env.Clock = time.Now
	}
	if env.RenewalMargin <= 0 {
		env.RenewalMargin = DefaultRenewalMargin
	}
	if env.PushServiceAccount == "" {
		env.PushServiceAccount = config.DefaultPushServiceAccount
	}
	if env.CursorRetry.IsRetryable == nil {
		env.CursorRetry = retry.DefaultConfig()
		env.CursorRetry.IsRetryable = func(err error) bool { return errors.Is(err, property.ErrConflict) }
	}
	if env.inst == nil {
		env.inst = &instruments{}
	}
	log := env.Logger.With("mailbox", mailboxID)
	return &Session{
		MailboxID: mailboxID,
		gmail:     client,
		pubsub:    env.PubSub,
		props:     env.Props,
		configs:   config.NewStore(env.Props, log),
		rate:      env.Rate,
		log:       log,
		now:       env.Clock,
		opts:      env.Options,
		inst:      env.inst,
	}
}

// State reads the persisted synchronization state.
func (s *Session) State(ctx context.Context) (MailboxState, error) {
	var (
		st  MailboxState
		raw = map[string]string{}
	)
	for _, key := range []string{property.KeyHistoryID, property.KeyTopic, property.KeySubscription, property.KeyWatchExpiry} {
		v, err := property.GetOptional(ctx, s.props, s.MailboxID, key)
		if err != nil {
			return MailboxState{}, fmt.Errorf("read %s: %w", key, err)
		}
		raw[key] = v
	}
	id, err := parseHistoryID(raw[property.KeyHistoryID])
	if err != nil {
		return MailboxState{}, err
	}
	st.HistoryID = id
	st.Topic = raw[property.KeyTopic]
	st.Subscription = raw[property.KeySubscription]
	if v := raw[property.KeyWatchExpiry]; v != "" {
		st.WatchExpiry, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			// an unreadable lease is treated as absent so the next setup renews it
			s.log.Warn("ignoring unreadable watch expiry", "value", v, "error", err)
			st.WatchExpiry = time.Time{}
		}
	}
	return st, nil
}

// AllOk reports whether topic, subscription, lease and cursor are all present.
func (s *Session) AllOk(ctx context.Context) (bool, error) {
	st, err := s.State(ctx)
	if err != nil {
		return false, err
	}
	return st.AllOk(), nil
}

// Config returns the mailbox configuration, repairing missing fields.
func (s *Session) Config(ctx context.Context) (config.MailboxConfig, error) {
	return s.configs.Load(ctx, s.MailboxID)
}

// call gates fn behind the rate limiter and wraps any failure as a
// TransportError.
func (s *Session) call(ctx context.Context, op, resource string, fn func(context.Context) error) error {
	if err := s.rate.Wait(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return &TransportError{Op: op, Resource: resource, Err: err}
	}
	return nil
}

// logFailure logs err with the failing operation and resource when known.
func (s *Session) logFailure(ctx context.Context, msg string, err error) {
	attrs := []any{"error", err}
	var te *TransportError
	if errors.As(err, &te) {
		attrs = append(attrs, "op", te.Op, "resource", te.Resource)
	}
	s.log.ErrorContext(ctx, msg, attrs...)
}

// advanceCursor moves the stored historyId forward to next. It never moves
// the cursor backwards: a stored value at or beyond next is left alone. A
// concurrent writer is detected by compare-and-swap and the read is retried.
func (s *Session) advanceCursor(ctx context.Context, next gmail.HistoryID) (bool, error) {
	var moved bool
	err := retry.Do(ctx, s.opts.CursorRetry, func(ctx context.Context) error {
		moved = false
		cur, err := property.GetOptional(ctx, s.props, s.MailboxID, property.KeyHistoryID)
		if err != nil {
			return err
		}
		curID, err := parseHistoryID(cur)
		if err != nil {
			return err
		}
		if cur != "" && curID >= next {
			return nil
		}
		if err := s.props.CompareAndSwap(ctx, s.MailboxID, property.KeyHistoryID, cur, formatHistoryID(next)); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("advance cursor to %d: %w", next, err)
	}
	return moved, nil
}

func parseHistoryID(v string) (gmail.HistoryID, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse history id %q: %w", v, err)
	}
	return gmail.HistoryID(n), nil
}

func formatHistoryID(id gmail.HistoryID) string {
	return strconv.FormatUint(uint64(id), 10)
}

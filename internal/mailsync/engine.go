package mailsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/joshsymonds/mailwatch/internal/config"
	"github.com/joshsymonds/mailwatch/internal/gmail"
)

// Handler is the surface the host calls for each mailbox event.
type Handler interface {
	// OnNotification processes a raw push delivery. Undecodable deliveries
	// yield an empty delta and no error.
	OnNotification(ctx context.Context, mailboxID string, raw []byte) (Delta, error)
	OnLifecycleSetup(ctx context.Context, mailboxID string, refresh bool) (bool, error)
	OnLifecycleTeardown(ctx context.Context, mailboxID string) (bool, error)
	// OnConfigUpdate applies overrides; a change of watch labels renews the
	// provider watch.
	OnConfigUpdate(ctx context.Context, mailboxID string, overrides map[string]any) (config.MailboxConfig, error)
	Config(ctx context.Context, mailboxID string) (config.MailboxConfig, error)
	Ready(ctx context.Context, mailboxID string) (bool, error)
}

// GmailFactory returns the authorized provider client of a mailbox.
type GmailFactory func(ctx context.Context, mailboxID string) (gmail.Client, error)

// Engine dispatches host events to per-mailbox sessions. Calls for the same
// mailbox run one at a time; different mailboxes proceed in parallel.
type Engine struct {
	env     Env
	factory GmailFactory

	mu       sync.Mutex
	sessions map[string]*slot
}

type slot struct {
	sem     *semaphore.Weighted
	session *Session
}

var _ Handler = (*Engine)(nil)

func NewEngine(env Env, factory GmailFactory, tel Telemetry) (*Engine, error) {
	inst, err := newInstruments(tel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	env.inst = inst
	return &Engine{env: env, factory: factory, sessions: map[string]*slot{}}, nil
}

// with runs fn holding the mailbox's lock.
func (e *Engine) with(ctx context.Context, mailboxID string, fn func(*Session) error) error {
	return e.lock(ctx, mailboxID, func(sl *slot) error {
		s, err := e.open(ctx, mailboxID, sl)
		if err != nil {
			return err
		}
		return fn(s)
	})
}

// lock runs fn holding the mailbox's slot. Slots are never removed, so every
// caller for a mailbox queues on the same semaphore.
func (e *Engine) lock(ctx context.Context, mailboxID string, fn func(*slot) error) error {
	if mailboxID == "" {
		return ErrUnknownMailbox
	}
	e.mu.Lock()
	sl, ok := e.sessions[mailboxID]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(1)}
		e.sessions[mailboxID] = sl
	}
	e.mu.Unlock()

	if err := sl.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sl.sem.Release(1)
	return fn(sl)
}

// open returns the slot's session, creating it on first use. The caller
// holds the slot.
func (e *Engine) open(ctx context.Context, mailboxID string, sl *slot) (*Session, error) {
	if sl.session == nil {
		client, err := e.factory(ctx, mailboxID)
		if err != nil {
			return nil, fmt.Errorf("open gmail client: %w", err)
		}
		sl.session = NewSession(mailboxID, client, e.env)
	}
	return sl.session, nil
}

func (e *Engine) OnNotification(ctx context.Context, mailboxID string, raw []byte) (Delta, error) {
	var delta Delta
	err := e.with(ctx, mailboxID, func(s *Session) error {
		var err error
		delta, err = s.Process(ctx, raw)
		if errors.Is(err, ErrDecode) || errors.Is(err, ErrMalformedPayload) {
			s.log.WarnContext(ctx, "dropping undecodable notification", "error", err)
			delta = Delta{Messages: map[gmail.MessageID]gmail.Message{}}
			return nil
		}
		return err
	})
	if err != nil {
		return Delta{}, err
	}
	return delta, nil
}

// OnLifecycleSetup records the account profile on first setup or refresh,
// then provisions the push channel.
func (e *Engine) OnLifecycleSetup(ctx context.Context, mailboxID string, refresh bool) (bool, error) {
	err := e.with(ctx, mailboxID, func(s *Session) error {
		synced, err := s.hasProfile(ctx)
		if err != nil {
			return err
		}
		if refresh || !synced {
			if _, err := s.SyncProfile(ctx, ""); err != nil {
				return err
			}
		}
		return s.SetUp(ctx, refresh)
	})
	return err == nil, err
}

func (e *Engine) OnLifecycleTeardown(ctx context.Context, mailboxID string) (bool, error) {
	err := e.lock(ctx, mailboxID, func(sl *slot) error {
		s, err := e.open(ctx, mailboxID, sl)
		if err != nil {
			return err
		}
		if err := s.Cleanup(ctx); err != nil {
			return err
		}
		// the next event for the mailbox reopens its client
		sl.session = nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) OnConfigUpdate(ctx context.Context, mailboxID string, overrides map[string]any) (config.MailboxConfig, error) {
	var cfg config.MailboxConfig
	err := e.with(ctx, mailboxID, func(s *Session) error {
		var (
			changed []string
			err     error
		)
		cfg, changed, err = s.configs.Update(ctx, mailboxID, overrides)
		if err != nil {
			return err
		}
		if !slices.Contains(changed, config.FieldWatchLabels) {
			return nil
		}
		st, err := s.State(ctx)
		if err != nil {
			return err
		}
		if err := s.createWatch(ctx, st, cfg, true); err != nil {
			s.logFailure(ctx, "watch renewal after label change failed", err)
			return err
		}
		return nil
	})
	return cfg, err
}

func (e *Engine) Config(ctx context.Context, mailboxID string) (config.MailboxConfig, error) {
	var cfg config.MailboxConfig
	err := e.with(ctx, mailboxID, func(s *Session) error {
		var err error
		cfg, err = s.Config(ctx)
		return err
	})
	return cfg, err
}

func (e *Engine) Ready(ctx context.Context, mailboxID string) (bool, error) {
	var ok bool
	err := e.with(ctx, mailboxID, func(s *Session) error {
		var err error
		ok, err = s.AllOk(ctx)
		return err
	})
	return ok, err
}

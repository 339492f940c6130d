package mailsync

import (
	"context"
	"errors"

	"github.com/joshsymonds/mailwatch/internal/config"
	"github.com/joshsymonds/mailwatch/internal/gmail"
)

// Delta is the outcome of one synchronization cycle.
type Delta struct {
	// Messages holds the surfaced messages keyed by id.
	Messages map[gmail.MessageID]gmail.Message `json:"messages"`
	// HistoryID is the stored cursor after the cycle.
	HistoryID gmail.HistoryID `json:"historyId"`
	// Stale is set when the notification was at or behind the cursor.
	Stale bool `json:"stale,omitempty"`
}

// Empty reports whether no message was surfaced.
func (d Delta) Empty() bool { return len(d.Messages) == 0 }

// GetHistory pulls every change since the stored cursor, filters it by label
// and fetches the surviving messages. The cursor is advanced only after every
// page and message has been retrieved.
func (s *Session) GetHistory(ctx context.Context) (Delta, error) {
	st, err := s.State(ctx)
	if err != nil {
		return Delta{}, err
	}
	cfg, err := s.Config(ctx)
	if err != nil {
		return Delta{}, err
	}
	return s.getHistory(ctx, st, cfg)
}

func (s *Session) getHistory(ctx context.Context, st MailboxState, cfg config.MailboxConfig) (delta Delta, err error) {
	started := s.now()
	defer func() {
		s.inst.recordFetch(ctx, s.MailboxID, s.now().Sub(started), len(delta.Messages), err)
	}()

	refs, latest, expired, err := s.collectAdded(ctx, st.HistoryID)
	if expired {
		return s.rebaseline(ctx, st.HistoryID)
	}
	if err != nil {
		s.logFailure(ctx, "history fetch failed", err)
		return Delta{}, err
	}

	watch, err := s.resolveLabels(ctx, cfg.WatchLabels)
	if err != nil {
		return Delta{}, err
	}
	nonWatch, err := s.resolveLabels(ctx, cfg.NonWatchLabels)
	if err != nil {
		return Delta{}, err
	}

	msgs := make(map[gmail.MessageID]gmail.Message)
	for _, ref := range refs {
		if !Include(labelStrings(ref.Labels), watch, nonWatch) {
			continue
		}
		msg, ok, err := s.fetchMessage(ctx, ref, cfg)
		if err != nil {
			s.logFailure(ctx, "message fetch failed", err)
			return Delta{}, err
		}
		if ok {
			msgs[ref.ID] = msg
		}
	}

	cursor := st.HistoryID
	if latest > cursor {
		if _, err := s.advanceCursor(ctx, latest); err != nil {
			return Delta{}, err
		}
		cursor = latest
	}
	s.log.DebugContext(ctx, "history synchronized",
		"from", st.HistoryID, "to", cursor, "added", len(refs), "delivered", len(msgs))
	return Delta{Messages: msgs, HistoryID: cursor}, nil
}

// collectAdded walks every history page from start and returns the added
// messages deduplicated by id, in first-seen order, together with the
// provider cursor reported by the last page. Any page failure discards the
// pages already read. expired is set only when the first request reports the
// start cursor as unknown; a not-found on a later page is an ordinary error.
func (s *Session) collectAdded(ctx context.Context, start gmail.HistoryID) (refs []gmail.MessageRef, latest gmail.HistoryID, expired bool, err error) {
	var (
		seen  = map[gmail.MessageID]struct{}{}
		token string
	)
	for {
		var page gmail.HistoryPage
		err = s.call(ctx, "history.list", s.MailboxID, func(ctx context.Context) error {
			var err error
			page, err = s.gmail.History(ctx, gmail.HistoryQuery{Start: start, PageToken: token, PageSize: s.opts.PageSize})
			return err
		})
		if err != nil {
			return nil, 0, token == "" && errors.Is(err, gmail.ErrNotFound), err
		}
		for _, rec := range page.Records {
			for _, ref := range rec.Added {
				if _, dup := seen[ref.ID]; dup {
					continue
				}
				seen[ref.ID] = struct{}{}
				refs = append(refs, ref)
			}
		}
		latest = page.HistoryID
		if page.NextPageToken == "" {
			return refs, latest, false, nil
		}
		token = page.NextPageToken
	}
}

// fetchMessage retrieves one message. A vanished message reports ok=false.
func (s *Session) fetchMessage(ctx context.Context, ref gmail.MessageRef, cfg config.MailboxConfig) (gmail.Message, bool, error) {
	var msg gmail.Message
	err := s.call(ctx, "messages.get", string(ref.ID), func(ctx context.Context) error {
		var err error
		msg, err = s.gmail.GetMessage(ctx, ref.ID, cfg.MsgFormat, cfg.MsgHeaders)
		return err
	})
	if errors.Is(err, gmail.ErrNotFound) {
		s.log.DebugContext(ctx, "message vanished", "message", ref.ID)
		return gmail.Message{}, false, nil
	}
	if err != nil {
		return gmail.Message{}, false, err
	}
	if msg.ID == "" {
		return gmail.Message{}, false, nil
	}
	if msg.ThreadID == "" {
		msg.ThreadID = ref.ThreadID
	}
	if len(msg.Labels) == 0 {
		msg.Labels = ref.Labels
	}
	return msg, true, nil
}

// rebaseline handles a cursor the provider no longer retains: nothing can be
// replayed, so the cursor jumps to the mailbox's current position.
func (s *Session) rebaseline(ctx context.Context, stale gmail.HistoryID) (Delta, error) {
	head, err := s.profileHistoryID(ctx)
	if err != nil {
		s.logFailure(ctx, "rebaseline failed", err)
		return Delta{}, err
	}
	cursor := stale
	if head > stale {
		if _, err := s.advanceCursor(ctx, head); err != nil {
			return Delta{}, err
		}
		cursor = head
	}
	s.log.WarnContext(ctx, "history cursor expired, rebaselined", "from", stale, "to", cursor)
	return Delta{Messages: map[gmail.MessageID]gmail.Message{}, HistoryID: cursor}, nil
}

// seedCursor sets an unset cursor to the profile's current historyId and
// returns the stored cursor afterwards.
func (s *Session) seedCursor(ctx context.Context) (gmail.HistoryID, error) {
	head, err := s.profileHistoryID(ctx)
	if err != nil {
		s.logFailure(ctx, "seed cursor failed", err)
		return 0, err
	}
	if head == 0 {
		return 0, errors.New("seed cursor: profile reported no historyId")
	}
	if _, err := s.advanceCursor(ctx, head); err != nil {
		return 0, err
	}
	st, err := s.State(ctx)
	if err != nil {
		return 0, err
	}
	return st.HistoryID, nil
}

func (s *Session) profileHistoryID(ctx context.Context) (gmail.HistoryID, error) {
	var p gmail.Profile
	err := s.call(ctx, "users.getProfile", s.MailboxID, func(ctx context.Context) error {
		var err error
		p, err = s.gmail.Profile(ctx)
		return err
	})
	return p.HistoryID, err
}

func labelStrings(in []gmail.LabelID) []string {
	out := make([]string, len(in))
	for i, l := range in {
		out[i] = string(l)
	}
	return out
}

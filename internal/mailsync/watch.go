package mailsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joshsymonds/mailwatch/internal/config"
	"github.com/joshsymonds/mailwatch/internal/gmail"
	"github.com/joshsymonds/mailwatch/internal/property"
	"github.com/joshsymonds/mailwatch/internal/pubsub"
)

// SetUp provisions the topic, the push subscription and the provider watch.
// Steps already recorded in the property store are skipped unless refresh is
// set; provider "already exists" answers count as success. Each identifier is
// persisted as soon as its resource exists.
func (s *Session) SetUp(ctx context.Context, refresh bool) error {
	st, err := s.State(ctx)
	if err != nil {
		return err
	}
	cfg, err := s.Config(ctx)
	if err != nil {
		return err
	}

	topic := pubsub.TopicName(s.opts.Project, s.MailboxID)
	if refresh || st.Topic == "" {
		if err := s.createTopic(ctx, topic); err != nil {
			s.logFailure(ctx, "create topic failed", err)
			return err
		}
		if err := s.props.Set(ctx, s.MailboxID, property.KeyTopic, topic); err != nil {
			return fmt.Errorf("persist topic: %w", err)
		}
		st.Topic = topic
	}

	sub := pubsub.SubscriptionName(s.opts.Project, s.MailboxID)
	if refresh || st.Subscription == "" {
		err := s.call(ctx, "subscriptions.create", sub, func(ctx context.Context) error {
			return s.pubsub.CreateSubscription(ctx, pubsub.PushSubscription{
				Name:                sub,
				Topic:               st.Topic,
				PushEndpoint:        pubsub.PushEndpoint(s.opts.CallbackRoot, s.MailboxID),
				AckDeadlineSeconds:  pubsub.DefaultAckDeadlineSeconds,
				RetainAckedMessages: false,
			})
		})
		if err = ignore(err, pubsub.ErrAlreadyExists); err != nil {
			s.logFailure(ctx, "create subscription failed", err)
			return err
		}
		if err := s.props.Set(ctx, s.MailboxID, property.KeySubscription, sub); err != nil {
			return fmt.Errorf("persist subscription: %w", err)
		}
		st.Subscription = sub
	}

	if err := s.createWatch(ctx, st, cfg, refresh); err != nil {
		s.logFailure(ctx, "create watch failed", err)
		return err
	}
	s.log.InfoContext(ctx, "mailbox provisioned", "topic", st.Topic, "subscription", st.Subscription, "refresh", refresh)
	return nil
}

// createTopic creates the topic and lets the provider's push identity publish
// to it.
func (s *Session) createTopic(ctx context.Context, topic string) error {
	err := s.call(ctx, "topics.create", topic, func(ctx context.Context) error {
		return s.pubsub.CreateTopic(ctx, topic)
	})
	if err = ignore(err, pubsub.ErrAlreadyExists); err != nil {
		return err
	}
	err = s.call(ctx, "topics.setIamPolicy", topic, func(ctx context.Context) error {
		return s.pubsub.GrantPublisher(ctx, topic, pubsub.ServiceAccountMember(s.opts.PushServiceAccount))
	})
	return ignore(err, pubsub.ErrAlreadyExists)
}

// CreateWatch renews the provider watch when no lease exists, the lease is
// within the renewal margin, or refresh is set. Non-nil labels replace the
// configured watch labels before the request is issued.
func (s *Session) CreateWatch(ctx context.Context, labels []string, refresh bool) error {
	st, err := s.State(ctx)
	if err != nil {
		return err
	}
	var cfg config.MailboxConfig
	if labels != nil {
		cfg, _, err = s.configs.Update(ctx, s.MailboxID, map[string]any{config.FieldWatchLabels: labels})
	} else {
		cfg, err = s.Config(ctx)
	}
	if err != nil {
		return err
	}
	if err := s.createWatch(ctx, st, cfg, refresh); err != nil {
		s.logFailure(ctx, "create watch failed", err)
		return err
	}
	return nil
}

func (s *Session) needsRenewal(expiry time.Time) bool {
	return expiry.IsZero() || !s.now().Add(s.opts.RenewalMargin).Before(expiry)
}

func (s *Session) createWatch(ctx context.Context, st MailboxState, cfg config.MailboxConfig, refresh bool) error {
	if !refresh && !s.needsRenewal(st.WatchExpiry) {
		return nil
	}
	topic := st.Topic
	if topic == "" {
		topic = pubsub.TopicName(s.opts.Project, s.MailboxID)
	}
	labels, err := s.resolveLabels(ctx, cfg.WatchLabels)
	if err != nil {
		return err
	}
	req := gmail.WatchRequest{TopicName: topic}
	for _, l := range labels {
		req.Labels = append(req.Labels, gmail.LabelID(l))
	}

	var resp gmail.WatchResponse
	err = s.call(ctx, "users.watch", topic, func(ctx context.Context) error {
		var err error
		resp, err = s.gmail.Watch(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	s.inst.recordRenewal(ctx, s.MailboxID)
	if err := s.props.Set(ctx, s.MailboxID, property.KeyWatchExpiry, resp.Expiration.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("persist watch expiry: %w", err)
	}
	// a fresh watch only seeds an unset cursor
	if resp.HistoryID != 0 {
		err := s.props.CompareAndSwap(ctx, s.MailboxID, property.KeyHistoryID, "", formatHistoryID(resp.HistoryID))
		if err = ignore(err, property.ErrConflict); err != nil {
			return fmt.Errorf("seed cursor: %w", err)
		}
	}
	s.log.InfoContext(ctx, "watch renewed", "expires", resp.Expiration, "labels", labels)
	return nil
}

// resolveLabels maps configured label display names to provider ids. System
// labels and ids pass through without a provider call.
func (s *Session) resolveLabels(ctx context.Context, labels []string) ([]string, error) {
	labels = canonicalSystemLabels(labels)
	if !needsResolution(labels) {
		return labels, nil
	}
	var (
		byName map[string]gmail.LabelID
		byID   map[gmail.LabelID]string
	)
	err := s.call(ctx, "labels.list", s.MailboxID, func(ctx context.Context) error {
		var err error
		byName, byID, err = s.gmail.ListLabels(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := byID[gmail.LabelID(l)]; ok {
			out = append(out, l)
			continue
		}
		if id, ok := byName[l]; ok {
			out = append(out, string(id))
			continue
		}
		s.log.WarnContext(ctx, "unknown label", "label", l)
		out = append(out, l)
	}
	return out, nil
}

// canonicalSystemLabels rewrites system label names given in any case to
// their ids, so "inbox" matches INBOX.
func canonicalSystemLabels(labels []string) []string {
	out := slices.Clone(labels)
	for i, l := range out {
		if id, ok := gmail.SystemLabel(l); ok {
			out[i] = string(id)
		}
	}
	return out
}

// needsResolution reports whether any label looks like a display name rather
// than a system label (INBOX, CATEGORY_SOCIAL) or a user label id (Label_12).
func needsResolution(labels []string) bool {
	for _, l := range labels {
		if strings.HasPrefix(l, "Label_") {
			continue
		}
		if strings.ToUpper(l) == l && !strings.ContainsAny(l, " /") {
			continue
		}
		return true
	}
	return false
}

// Cleanup stops the provider watch, then deletes the subscription before its
// topic. Missing resources count as already removed.
func (s *Session) Cleanup(ctx context.Context) error {
	st, err := s.State(ctx)
	if err != nil {
		return err
	}
	err = s.call(ctx, "users.stop", s.MailboxID, func(ctx context.Context) error {
		return s.gmail.Stop(ctx)
	})
	if err = ignore(err, gmail.ErrNotFound); err != nil {
		s.logFailure(ctx, "stop watch failed", err)
		return err
	}
	if err := s.props.Delete(ctx, s.MailboxID, property.KeyWatchExpiry); err != nil {
		return fmt.Errorf("clear watch expiry: %w", err)
	}

	sub := st.Subscription
	if sub == "" {
		sub = pubsub.SubscriptionName(s.opts.Project, s.MailboxID)
	}
	err = s.call(ctx, "subscriptions.delete", sub, func(ctx context.Context) error {
		return s.pubsub.DeleteSubscription(ctx, sub)
	})
	if err = ignore(err, pubsub.ErrNotFound); err != nil {
		s.logFailure(ctx, "delete subscription failed", err)
		return err
	}
	if err := s.props.Delete(ctx, s.MailboxID, property.KeySubscription); err != nil {
		return fmt.Errorf("clear subscription: %w", err)
	}

	topic := st.Topic
	if topic == "" {
		topic = pubsub.TopicName(s.opts.Project, s.MailboxID)
	}
	err = s.call(ctx, "topics.delete", topic, func(ctx context.Context) error {
		return s.pubsub.DeleteTopic(ctx, topic)
	})
	if err = ignore(err, pubsub.ErrNotFound); err != nil {
		s.logFailure(ctx, "delete topic failed", err)
		return err
	}
	if err := s.props.Delete(ctx, s.MailboxID, property.KeyTopic); err != nil {
		return fmt.Errorf("clear topic: %w", err)
	}
	s.log.InfoContext(ctx, "mailbox torn down")
	return nil
}

// SyncProfile records the authorized account's address and totals, and seeds
// the cursor from the profile when it is unset. A non-empty expectedEmail
// must match the account, compared case-insensitively.
func (s *Session) SyncProfile(ctx context.Context, expectedEmail string) (gmail.Profile, error) {
	var p gmail.Profile
	err := s.call(ctx, "users.getProfile", s.MailboxID, func(ctx context.Context) error {
		var err error
		p, err = s.gmail.Profile(ctx)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "read profile failed", err)
		return gmail.Profile{}, err
	}
	if expectedEmail != "" && !strings.EqualFold(expectedEmail, p.EmailAddress) {
		return gmail.Profile{}, fmt.Errorf("%w: authorized %s, expected %s", ErrAccountMismatch, p.EmailAddress, expectedEmail)
	}
	for key, val := range map[string]string{
		property.KeyEmail:         p.EmailAddress,
		property.KeyMessagesTotal: strconv.FormatInt(p.MessagesTotal, 10),
		property.KeyThreadsTotal:  strconv.FormatInt(p.ThreadsTotal, 10),
	} {
		if err := s.props.Set(ctx, s.MailboxID, key, val); err != nil {
			return gmail.Profile{}, fmt.Errorf("persist %s: %w", key, err)
		}
	}
	if p.HistoryID != 0 {
		err := s.props.CompareAndSwap(ctx, s.MailboxID, property.KeyHistoryID, "", formatHistoryID(p.HistoryID))
		if err = ignore(err, property.ErrConflict); err != nil {
			return gmail.Profile{}, fmt.Errorf("seed cursor: %w", err)
		}
	}
	return p, nil
}

// hasProfile reports whether SyncProfile has run for the mailbox.
func (s *Session) hasProfile(ctx context.Context) (bool, error) {
	_, err := s.props.Get(ctx, s.MailboxID, property.KeyEmail)
	if errors.Is(err, property.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Package config holds the per-mailbox synchronization settings persisted in
// the property store, and the service-wide settings loaded at startup.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/joshsymonds/mailwatch/internal/gmail"
	"github.com/joshsymonds/mailwatch/internal/property"
)

// Override keys accepted by Store.Update.
const (
	FieldMsgHeaders     = "msgHeaders"
	FieldWatchLabels    = "watchLabels"
	FieldNonWatchLabels = "nonWatchLabels"
	FieldMsgFormat      = "msgFormat"
)

var (
	// ErrCorrupt marks a stored blob that is not a JSON object. It is logged
	// and recovered from, never returned.
	ErrCorrupt = errors.New("config: corrupt blob")

	// ErrInvalidOverride is returned for an override of the wrong type.
	ErrInvalidOverride = errors.New("config: invalid override")
)

// MailboxConfig controls which changes are surfaced and how much of each
// message is fetched.
type MailboxConfig struct {
	MsgHeaders     []string     `json:"msgHeaders"`
	WatchLabels    []string     `json:"watchLabels"`    // empty includes everything
	NonWatchLabels []string     `json:"nonWatchLabels"` // always wins over WatchLabels
	MsgFormat      gmail.Format `json:"msgFormat"`
}

func DefaultMsgHeaders() []string {
	return []string{
		"To", "From", "Subject", "Thread-Topic", "Thread-Index",
		"Date", "Content-Language", "Content-Type",
	}
}

func DefaultNonWatchLabels() []string { return []string{"SENT", "DRAFT"} }

const DefaultMsgFormat = gmail.FormatMetadata

// Default returns a fully populated configuration.
func Default() MailboxConfig {
	return MailboxConfig{
		MsgHeaders:     DefaultMsgHeaders(),
		WatchLabels:    []string{},
		NonWatchLabels: DefaultNonWatchLabels(),
		MsgFormat:      DefaultMsgFormat,
	}
}

// Store loads and updates MailboxConfig blobs.
type Store struct {
	props  property.Store
	logger *slog.Logger
}

func NewStore(props property.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{props: props, logger: logger}
}

// Load reads the stored blob and fills each missing or unreadable field
// with its own default. The result is written back only when a field was
// filled.
func (s *Store) Load(ctx context.Context, mailboxID string) (MailboxConfig, error) {
	cfg, dirty, err := s.read(ctx, mailboxID)
	if err != nil {
		return MailboxConfig{}, err
	}
	if dirty {
		if err := s.write(ctx, mailboxID, cfg); err != nil {
			return MailboxConfig{}, err
		}
	}
	return cfg, nil
}

// Update applies overrides on top of the stored configuration and persists
// the result if anything was filled or changed. It returns the names of the
// fields whose values changed.
func (s *Store) Update(ctx context.Context, mailboxID string, overrides map[string]any) (MailboxConfig, []string, error) {
	cfg, dirty, err := s.read(ctx, mailboxID)
	if err != nil {
		return MailboxConfig{}, nil, err
	}
	changed, err := s.apply(&cfg, overrides)
	if err != nil {
		return MailboxConfig{}, nil, err
	}
	if dirty || len(changed) > 0 {
		if err := s.write(ctx, mailboxID, cfg); err != nil {
			return MailboxConfig{}, nil, err
		}
	}
	return cfg, changed, nil
}

func (s *Store) read(ctx context.Context, mailboxID string) (MailboxConfig, bool, error) {
	blob, err := property.GetOptional(ctx, s.props, mailboxID, property.KeyConfig)
	if err != nil {
		return MailboxConfig{}, false, fmt.Errorf("read config: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &fields); err != nil {
			s.logger.WarnContext(ctx, "resetting mailbox config",
				"mailbox", mailboxID, "error", fmt.Errorf("%w: %w", ErrCorrupt, err))
			fields = map[string]json.RawMessage{}
		}
	}

	var (
		cfg   MailboxConfig
		dirty bool
	)
	if cfg.MsgHeaders, dirty = decodeSet(fields[FieldMsgHeaders]); dirty {
		cfg.MsgHeaders = DefaultMsgHeaders()
	}
	var missing bool
	if cfg.WatchLabels, missing = decodeSet(fields[FieldWatchLabels]); missing {
		cfg.WatchLabels = []string{}
		dirty = true
	}
	if cfg.NonWatchLabels, missing = decodeSet(fields[FieldNonWatchLabels]); missing {
		cfg.NonWatchLabels = DefaultNonWatchLabels()
		dirty = true
	}
	var format string
	if raw := fields[FieldMsgFormat]; raw != nil && json.Unmarshal(raw, &format) == nil && gmail.Format(format).Valid() {
		cfg.MsgFormat = gmail.Format(format)
	} else {
		cfg.MsgFormat = DefaultMsgFormat
		dirty = true
	}
	return cfg, dirty, nil
}

func (s *Store) write(ctx context.Context, mailboxID string, cfg MailboxConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := s.props.Set(ctx, mailboxID, property.KeyConfig, string(blob)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (s *Store) apply(cfg *MailboxConfig, overrides map[string]any) ([]string, error) {
	var changed []string
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, key := range keys {
		val := overrides[key]
		switch key {
		case FieldMsgFormat:
			str, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidOverride, key)
			}
			format := gmail.Format(strings.ToLower(strings.TrimSpace(str)))
			if !format.Valid() {
				s.logger.Debug("ignoring unknown message format", "format", str)
				continue
			}
			if format != cfg.MsgFormat {
				cfg.MsgFormat = format
				changed = append(changed, key)
			}
		case FieldMsgHeaders, FieldWatchLabels, FieldNonWatchLabels:
			set, err := toSet(val)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidOverride, key, err)
			}
			target := cfg.field(key)
			if !sameSet(*target, set) {
				*target = set
				changed = append(changed, key)
			}
		default:
			s.logger.Debug("ignoring unknown config key", "key", key)
		}
	}
	return changed, nil
}

func (c *MailboxConfig) field(key string) *[]string {
	switch key {
	case FieldMsgHeaders:
		return &c.MsgHeaders
	case FieldWatchLabels:
		return &c.WatchLabels
	default:
		return &c.NonWatchLabels
	}
}

// decodeSet reports missing for absent, null or ill-typed values.
func decodeSet(raw json.RawMessage) ([]string, bool) {
	if raw == nil || string(raw) == "null" {
		return nil, true
	}
	var vals []string
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, true
	}
	return normalize(vals), false
}

func toSet(val any) ([]string, error) {
	switch v := val.(type) {
	case nil:
		return []string{}, nil
	case string:
		return normalize([]string{v}), nil
	case []string:
		return normalize(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %v is %T, want string", item, item)
			}
			out = append(out, str)
		}
		return normalize(out), nil
	default:
		return nil, fmt.Errorf("got %T, want list of strings", val)
	}
}

// normalize trims, drops empties and removes duplicates, keeping first-seen
// order.
func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}

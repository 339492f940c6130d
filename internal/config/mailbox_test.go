package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/mailwatch/internal/gmail"
	"github.com/joshsymonds/mailwatch/internal/property"
)

type countingStore struct {
	*property.MemoryStore
	sets atomic.Int32
}

func (c *countingStore) Set(ctx context.Context, mailboxID, key, value string) error {
	c.sets.Add(1)
	return c.MemoryStore.Set(ctx, mailboxID, key, value)
}

func newTestStore() (*Store, *countingStore) {
	props := &countingStore{MemoryStore: property.NewMemoryStore()}
	return NewStore(props, slogDiscard()), props
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storedConfig(t *testing.T, props property.Store) map[string]any {
	t.Helper()
	blob, err := props.Get(context.Background(), "mb", property.KeyConfig)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(blob), &out))
	return out
}

func TestLoadDefaultsAndPersists(t *testing.T) {
	store, props := newTestStore()
	cfg, err := store.Load(context.Background(), "mb")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.EqualValues(t, 1, props.sets.Load())

	stored := storedConfig(t, props)
	require.Equal(t, "metadata", stored["msgFormat"])
	require.Equal(t, []any{}, stored["watchLabels"])

	// second load finds a complete blob and writes nothing
	cfg2, err := store.Load(context.Background(), "mb")
	require.NoError(t, err)
	require.Equal(t, cfg, cfg2)
	require.EqualValues(t, 1, props.sets.Load())
}

func TestLoadFillsFieldsIndependently(t *testing.T) {
	store, props := newTestStore()
	ctx := context.Background()
	require.NoError(t, props.MemoryStore.Set(ctx, "mb", property.KeyConfig,
		`{"watchLabels":["INBOX"],"msgHeaders":"not-a-list","msgFormat":"bogus"}`))

	cfg, err := store.Load(ctx, "mb")
	require.NoError(t, err)
	require.Equal(t, []string{"INBOX"}, cfg.WatchLabels)
	require.Equal(t, DefaultMsgHeaders(), cfg.MsgHeaders)
	require.Equal(t, DefaultNonWatchLabels(), cfg.NonWatchLabels)
	require.Equal(t, gmail.FormatMetadata, cfg.MsgFormat)
	require.EqualValues(t, 1, props.sets.Load())
}

func TestLoadCorruptBlobResets(t *testing.T) {
	store, props := newTestStore()
	ctx := context.Background()
	require.NoError(t, props.MemoryStore.Set(ctx, "mb", property.KeyConfig, "{{{not json"))

	cfg, err := store.Load(ctx, "mb")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "metadata", storedConfig(t, props)["msgFormat"])
}

func TestLoadFullBlobDoesNotWrite(t *testing.T) {
	store, props := newTestStore()
	ctx := context.Background()
	require.NoError(t, props.MemoryStore.Set(ctx, "mb", property.KeyConfig,
		`{"msgHeaders":["From"],"watchLabels":[],"nonWatchLabels":[],"msgFormat":"full"}`))

	cfg, err := store.Load(ctx, "mb")
	require.NoError(t, err)
	require.Equal(t, []string{"From"}, cfg.MsgHeaders)
	require.Empty(t, cfg.NonWatchLabels)
	require.Equal(t, gmail.FormatFull, cfg.MsgFormat)
	require.Zero(t, props.sets.Load())
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		overrides   map[string]any
		wantChanged []string
		check       func(t *testing.T, cfg MailboxConfig)
	}{
		{
			name:        "watch labels from json list",
			overrides:   map[string]any{"watchLabels": []any{"INBOX", "IMPORTANT", "INBOX"}},
			wantChanged: []string{FieldWatchLabels},
			check: func(t *testing.T, cfg MailboxConfig) {
				require.Equal(t, []string{"INBOX", "IMPORTANT"}, cfg.WatchLabels)
			},
		},
		{
			name:        "known format",
			overrides:   map[string]any{"msgFormat": "RAW"},
			wantChanged: []string{FieldMsgFormat},
			check: func(t *testing.T, cfg MailboxConfig) {
				require.Equal(t, gmail.FormatRaw, cfg.MsgFormat)
			},
		},
		{
			name:      "unknown format ignored",
			overrides: map[string]any{"msgFormat": "html"},
			check: func(t *testing.T, cfg MailboxConfig) {
				require.Equal(t, gmail.FormatMetadata, cfg.MsgFormat)
			},
		},
		{
			name:      "same set in another order",
			overrides: map[string]any{"nonWatchLabels": []string{"DRAFT", "SENT"}},
		},
		{
			name:      "unknown key ignored",
			overrides: map[string]any{"colour": "blue"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, props := newTestStore()
			_, err := store.Load(ctx, "mb")
			require.NoError(t, err)
			before := props.sets.Load()

			cfg, changed, err := store.Update(ctx, "mb", tt.overrides)
			require.NoError(t, err)
			require.Equal(t, tt.wantChanged, changed)
			if tt.check != nil {
				tt.check(t, cfg)
			}
			wantSets := before
			if len(tt.wantChanged) > 0 {
				wantSets++
			}
			require.Equal(t, wantSets, props.sets.Load())

			reloaded, err := store.Load(ctx, "mb")
			require.NoError(t, err)
			require.Equal(t, cfg, reloaded)
		})
	}
}

func TestUpdateRejectsIllTypedOverride(t *testing.T) {
	store, _ := newTestStore()
	_, _, err := store.Update(context.Background(), "mb", map[string]any{"watchLabels": 42})
	require.ErrorIs(t, err, ErrInvalidOverride)

	_, _, err = store.Update(context.Background(), "mb", map[string]any{"msgHeaders": []any{"To", 3}})
	require.ErrorIs(t, err, ErrInvalidOverride)
}

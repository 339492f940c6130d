package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestGmailClientFactoryRejectsBadIDs(t *testing.T) {
	factory := GmailClientFactory(t.TempDir())
	for _, id := range []string{"", "../etc", `a\b`, "nested/id"} {
		if _, err := factory(context.Background(), id); err == nil {
			t.Errorf("factory(%q) succeeded", id)
		}
	}
}

func TestGmailClientFactoryMissingCredentials(t *testing.T) {
	dir := t.TempDir()
	if _, err := GmailClientFactory(dir)(context.Background(), "mb1"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not exist", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mb2.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := GmailClientFactory(dir)(context.Background(), "mb2"); err == nil {
		t.Fatal("expected credential parse error")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()
	if !NewLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Fatal("debug logger drops debug")
	}
	if NewLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Fatal("warn logger keeps info")
	}
	if !NewLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Fatal("unknown level should default to info")
	}
}

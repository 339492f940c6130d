// Package runtime adapts the Google API clients to the narrow provider
// interfaces and builds them from credentials.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	pubsubv1 "google.golang.org/api/pubsub/v1"

	gc "github.com/joshsymonds/mailwatch/internal/gmail"
	ps "github.com/joshsymonds/mailwatch/internal/pubsub"
)

// Credentials selects how a Google API client authenticates. With neither
// File nor JSON set, Application Default Credentials are used.
type Credentials struct {
	File     string
	JSON     []byte
	Endpoint string // emulators and tests
}

func clientOptions(creds Credentials, scopes ...string) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	switch {
	case creds.JSON != nil:
		c, err := credentials.DetectDefault(&credentials.DetectOptions{Scopes: scopes, CredentialsJSON: creds.JSON})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(c))
	case creds.File != "":
		c, err := credentials.DetectDefault(&credentials.DetectOptions{Scopes: scopes, CredentialsFile: creds.File})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(c))
	default:
		opts = append(opts, option.WithScopes(scopes...))
	}
	if creds.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(creds.Endpoint))
	}
	return opts, nil
}

// NewGmailClient builds a Gmail client for one authorized mailbox.
func NewGmailClient(ctx context.Context, creds Credentials) (gc.Client, error) {
	opts, err := clientOptions(creds, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGoogleAPIClient(svc), nil
}

// NewPubSubClient builds the project-level topic/subscription client.
func NewPubSubClient(ctx context.Context, creds Credentials) (ps.Client, error) {
	opts, err := clientOptions(creds, pubsubv1.PubsubScope)
	if err != nil {
		return nil, err
	}
	svc, err := pubsubv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub service: %w", err)
	}
	return NewPubSubAPIClient(svc), nil
}

// GmailClientFactory loads per-mailbox OAuth credentials written by the
// token broker as <dir>/<mailboxID>.json.
func GmailClientFactory(dir string) func(ctx context.Context, mailboxID string) (gc.Client, error) {
	return func(ctx context.Context, mailboxID string) (gc.Client, error) {
		if mailboxID == "" || strings.ContainsAny(mailboxID, `/\`) || mailboxID != filepath.Base(mailboxID) {
			return nil, errors.New("invalid mailbox id")
		}
		path := filepath.Join(dir, mailboxID+".json")
		raw, err := os.ReadFile(path) // #nosec G304 - path confined to dir above
		if err != nil {
			return nil, fmt.Errorf("read credentials for %s: %w", mailboxID, err)
		}
		return NewGmailClient(ctx, Credentials{JSON: raw})
	}
}

func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// NewLogger returns a stderr text logger at the named level (debug, info,
// warn, error). Unknown names log at info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

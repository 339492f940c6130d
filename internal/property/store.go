// Package property is the per-mailbox durable key/value store that holds the
// synchronization cursor, the notification channel identifiers, the watch
// lease and the serialized mailbox configuration.
//
// Backends must make CompareAndSwap atomic using the database itself (Lua in
// Redis, conditional UPDATE in PostgreSQL, filtered update in MongoDB). No
// external locks are taken.
package property

import (
	"context"
	"errors"
)

// Well-known keys.
const (
	KeyHistoryID     = "historyId"
	KeyTopic         = "pubsub-topic"
	KeySubscription  = "pubsub-subscription"
	KeyWatchExpiry   = "watch-expiry"
	KeyConfig        = "config"
	KeyEmail         = "email"
	KeyMessagesTotal = "messagesTotal"
	KeyThreadsTotal  = "threadsTotal"
)

var (
	// ErrNotFound is returned by Get for an absent key.
	ErrNotFound = errors.New("property: not found")

	// ErrConflict is returned by CompareAndSwap when the stored value does not
	// match the expected one.
	ErrConflict = errors.New("property: conflict")

	// ErrUnsupportedURL is returned by Open for an unknown scheme.
	ErrUnsupportedURL = errors.New("property: unsupported store url")
)

// Store is safe for concurrent use.
type Store interface {
	Get(ctx context.Context, mailboxID, key string) (string, error)
	Set(ctx context.Context, mailboxID, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, mailboxID, key string) error
	// CompareAndSwap stores next only if the current value equals prev. An
	// empty prev means the key must be absent.
	CompareAndSwap(ctx context.Context, mailboxID, key, prev, next string) error
	Close() error
}

// GetOptional returns "" for an absent key instead of ErrNotFound.
func GetOptional(ctx context.Context, s Store, mailboxID, key string) (string, error) {
	v, err := s.Get(ctx, mailboxID, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Package pubsub describes the topic and push-subscription management calls
// used to route provider change notifications to a mailbox's webhook.
package pubsub

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyExists is returned for 409 responses. Creation calls treat it
	// as success.
	ErrAlreadyExists = errors.New("pubsub: already exists")

	// ErrNotFound is returned for 404 responses. Deletion calls treat it as
	// success.
	ErrNotFound = errors.New("pubsub: not found")
)

// PushSubscription is the shape of a push subscription bound to a topic.
type PushSubscription struct {
	Name                string
	Topic               string
	PushEndpoint        string
	AckDeadlineSeconds  int64
	RetainAckedMessages bool
}

// Client is the narrow Pub/Sub management surface required by mailwatch.
type Client interface {
	CreateTopic(ctx context.Context, topic string) error
	GrantPublisher(ctx context.Context, topic, member string) error
	CreateSubscription(ctx context.Context, sub PushSubscription) error
	DeleteSubscription(ctx context.Context, name string) error
	DeleteTopic(ctx context.Context, topic string) error
}

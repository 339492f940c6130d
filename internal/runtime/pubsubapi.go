package runtime

import (
	"context"

	pubsubv1 "google.golang.org/api/pubsub/v1"

	ps "github.com/joshsymonds/mailwatch/internal/pubsub"
)

type pubsubClient struct{ svc *pubsubv1.Service }

// NewPubSubAPIClient adapts *pubsub.Service to the management interface.
func NewPubSubAPIClient(svc *pubsubv1.Service) *pubsubClient { return &pubsubClient{svc} }

func (p *pubsubClient) CreateTopic(ctx context.Context, topic string) error {
	_, err := p.svc.Projects.Topics.Create(topic, &pubsubv1.Topic{}).Context(ctx).Do()
	if err != nil {
		return mapPubSubError(err)
	}
	return nil
}

// GrantPublisher replaces the topic policy with a single publisher binding.
func (p *pubsubClient) GrantPublisher(ctx context.Context, topic, member string) error {
	req := &pubsubv1.SetIamPolicyRequest{
		Policy: &pubsubv1.Policy{
			Bindings: []*pubsubv1.Binding{{
				Role:    ps.PublisherRole,
				Members: []string{member},
			}},
		},
	}
	_, err := p.svc.Projects.Topics.SetIamPolicy(topic, req).Context(ctx).Do()
	if err != nil {
		return mapPubSubError(err)
	}
	return nil
}

func (p *pubsubClient) CreateSubscription(ctx context.Context, sub ps.PushSubscription) error {
	body := &pubsubv1.Subscription{
		Topic:               sub.Topic,
		PushConfig:          &pubsubv1.PushConfig{PushEndpoint: sub.PushEndpoint},
		AckDeadlineSeconds:  sub.AckDeadlineSeconds,
		RetainAckedMessages: sub.RetainAckedMessages,
	}
	_, err := p.svc.Projects.Subscriptions.Create(sub.Name, body).Context(ctx).Do()
	if err != nil {
		return mapPubSubError(err)
	}
	return nil
}

func (p *pubsubClient) DeleteSubscription(ctx context.Context, name string) error {
	if _, err := p.svc.Projects.Subscriptions.Delete(name).Context(ctx).Do(); err != nil {
		return mapPubSubError(err)
	}
	return nil
}

func (p *pubsubClient) DeleteTopic(ctx context.Context, topic string) error {
	if _, err := p.svc.Projects.Topics.Delete(topic).Context(ctx).Do(); err != nil {
		return mapPubSubError(err)
	}
	return nil
}

var _ ps.Client = (*pubsubClient)(nil)

package pubsub

import (
	"fmt"
	"strings"
)

const (
	resourcePrefix = "mail-"

	// PublisherRole is granted to the provider's push service account on
	// every mailbox topic.
	PublisherRole = "roles/pubsub.publisher"

	// DefaultAckDeadlineSeconds is the push acknowledgement deadline.
	DefaultAckDeadlineSeconds = 10
)

// TopicName returns projects/<project>/topics/mail-<mailboxID>.
func TopicName(project, mailboxID string) string {
	return fmt.Sprintf("projects/%s/topics/%s%s", project, resourcePrefix, mailboxID)
}

// SubscriptionName returns projects/<project>/subscriptions/mail-<mailboxID>.
func SubscriptionName(project, mailboxID string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s%s", project, resourcePrefix, mailboxID)
}

// PushEndpoint joins the public callback root with the mailbox callback path.
func PushEndpoint(root, mailboxID string) string {
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root + mailboxID + "/callbacks/messages"
}

// ServiceAccountMember formats an IAM member string for a service account.
func ServiceAccountMember(email string) string {
	if strings.Contains(email, ":") {
		return email
	}
	return "serviceAccount:" + email
}

package gmail

import "context"

// Client is the narrow Gmail surface required by mailwatch.
type Client interface {
	History(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	GetMessage(ctx context.Context, id MessageID, format Format, headers []string) (Message, error)
	Watch(ctx context.Context, req WatchRequest) (WatchResponse, error)
	Stop(ctx context.Context) error
	Profile(ctx context.Context) (Profile, error)
	ListLabels(ctx context.Context) (map[string]LabelID, map[LabelID]string, error)
}

// internal/runtime/googleapi.go
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	gc "github.com/joshsymonds/mailwatch/internal/gmail"
)

const (
	me                 = "me"
	historyTypeAdded   = "messageAdded"
	labelFilterInclude = "include"
)

type googleClient struct{ svc *gmail.Service }

func NewGoogleAPIClient(svc *gmail.Service) *googleClient { return &googleClient{svc} }

func (g *googleClient) History(ctx context.Context, q gc.HistoryQuery) (gc.HistoryPage, error) {
	call := g.svc.Users.History.List(me).StartHistoryId(uint64(q.Start)).HistoryTypes(historyTypeAdded)
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}
	if q.PageSize > 0 {
		call = call.MaxResults(int64(q.PageSize))
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.HistoryPage{}, mapGmailError(err)
	}
	page := gc.HistoryPage{
		HistoryID:     gc.HistoryID(res.HistoryId),
		NextPageToken: res.NextPageToken,
		Records:       make([]gc.HistoryRecord, 0, len(res.History)),
	}
	for _, h := range res.History {
		if h == nil {
			continue
		}
		rec := gc.HistoryRecord{ID: gc.HistoryID(h.Id)}
		for _, added := range h.MessagesAdded {
			if added == nil || added.Message == nil {
				continue
			}
			rec.Added = append(rec.Added, gc.MessageRef{
				ID:       gc.MessageID(added.Message.Id),
				ThreadID: gc.ThreadID(added.Message.ThreadId),
				Labels:   toLabelIDs(added.Message.LabelIds),
			})
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (g *googleClient) GetMessage(
	ctx context.Context,
	id gc.MessageID,
	format gc.Format,
	headers []string,
) (gc.Message, error) {
	call := g.svc.Users.Messages.Get(me, string(id)).Format(string(format))
	if format == gc.FormatMetadata && len(headers) > 0 {
		call = call.MetadataHeaders(headers...)
	}
	msg, err := call.Context(ctx).Do()
	if err != nil {
		return gc.Message{}, mapGmailError(err)
	}
	out := gc.Message{
		ID:           gc.MessageID(msg.Id),
		ThreadID:     gc.ThreadID(msg.ThreadId),
		Labels:       toLabelIDs(msg.LabelIds),
		Snippet:      msg.Snippet,
		HistoryID:    gc.HistoryID(msg.HistoryId),
		SizeEstimate: msg.SizeEstimate,
		Raw:          msg.Raw,
	}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		out.Headers = keepHeaders(msg.Payload.Headers, headers)
	}
	return out, nil
}

func (g *googleClient) Watch(ctx context.Context, req gc.WatchRequest) (gc.WatchResponse, error) {
	wr := &gmail.WatchRequest{TopicName: req.TopicName}
	if len(req.Labels) > 0 {
		wr.LabelIds = toStringsL(req.Labels)
		wr.LabelFilterAction = labelFilterInclude
	}
	res, err := g.svc.Users.Watch(me, wr).Context(ctx).Do()
	if err != nil {
		return gc.WatchResponse{}, mapGmailError(err)
	}
	return gc.WatchResponse{
		HistoryID:  gc.HistoryID(res.HistoryId),
		Expiration: time.UnixMilli(res.Expiration).UTC(),
	}, nil
}

func (g *googleClient) Stop(ctx context.Context) error {
	if err := g.svc.Users.Stop(me).Context(ctx).Do(); err != nil {
		return mapGmailError(err)
	}
	return nil
}

func (g *googleClient) Profile(ctx context.Context) (gc.Profile, error) {
	p, err := g.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return gc.Profile{}, mapGmailError(err)
	}
	return gc.Profile{
		EmailAddress:  p.EmailAddress,
		MessagesTotal: p.MessagesTotal,
		ThreadsTotal:  p.ThreadsTotal,
		HistoryID:     gc.HistoryID(p.HistoryId),
	}, nil
}

func (g *googleClient) ListLabels(ctx context.Context) (map[string]gc.LabelID, map[gc.LabelID]string, error) {
	lr, err := g.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, nil, fmt.Errorf("list labels: %w", mapGmailError(err))
	}
	byName := map[string]gc.LabelID{}
	byID := map[gc.LabelID]string{}
	for _, l := range lr.Labels {
		byName[l.Name] = gc.LabelID(l.Id)
		byID[gc.LabelID(l.Id)] = l.Name
	}
	return byName, byID, nil
}

// keepHeaders applies the header allowlist. Formats other than metadata
// return every header, so the allowlist is enforced here as well.
func keepHeaders(in []*gmail.MessagePartHeader, allow []string) map[string]string {
	out := make(map[string]string, len(allow))
	if len(allow) == 0 {
		for _, h := range in {
			out[h.Name] = h.Value
		}
		return out
	}
	canonical := make(map[string]string, len(allow))
	for _, name := range allow {
		canonical[strings.ToLower(name)] = name
	}
	for _, h := range in {
		if name, ok := canonical[strings.ToLower(h.Name)]; ok {
			out[name] = h.Value
		}
	}
	return out
}

func toLabelIDs(in []string) []gc.LabelID {
	out := make([]gc.LabelID, 0, len(in))
	for _, s := range in {
		out = append(out, gc.LabelID(s))
	}
	return out
}

func toStringsL(in []gc.LabelID) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		out = append(out, string(l))
	}
	return out
}

var _ gc.Client = (*googleClient)(nil)

package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	pubsubv1 "google.golang.org/api/pubsub/v1"

	gc "github.com/joshsymonds/mailwatch/internal/gmail"
	ps "github.com/joshsymonds/mailwatch/internal/pubsub"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(srv *httptest.Server) []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(srv.URL + "/"),
		option.WithHTTPClient(srv.Client()),
		option.WithoutAuthentication(),
	}
}

func TestHistoryMapsAddedMessages(t *testing.T) {
	var gotQuery string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/history") {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"historyId": "105",
			"nextPageToken": "p2",
			"history": [{"id": "101", "messagesAdded": [
				{"message": {"id": "A", "threadId": "T1", "labelIds": ["INBOX", "UNREAD"]}}
			]}]
		}`))
	})
	svc, err := gmail.NewService(context.Background(), testOptions(srv)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	client := NewGoogleAPIClient(svc)

	page, err := client.History(context.Background(), gc.HistoryQuery{Start: 100, PageSize: 50})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.HistoryID != 105 || page.NextPageToken != "p2" {
		t.Fatalf("unexpected page cursor: %+v", page)
	}
	if len(page.Records) != 1 || len(page.Records[0].Added) != 1 {
		t.Fatalf("unexpected records: %+v", page.Records)
	}
	added := page.Records[0].Added[0]
	if added.ID != "A" || added.ThreadID != "T1" || len(added.Labels) != 2 {
		t.Fatalf("unexpected added message: %+v", added)
	}
	for _, want := range []string{"startHistoryId=100", "historyTypes=messageAdded", "maxResults=50"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestHistoryNotFoundMapsToSentinel(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"code": 404, "message": "Requested entity was not found."}}`))
	})
	svc, err := gmail.NewService(context.Background(), testOptions(srv)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = NewGoogleAPIClient(svc).History(context.Background(), gc.HistoryQuery{Start: 1})
	if !errors.Is(err, gc.ErrNotFound) {
		t.Fatalf("expected gmail.ErrNotFound, got %v", err)
	}
}

func TestCreateTopicConflictMapsToAlreadyExists(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error": {"code": 409, "message": "Resource already exists in the project"}}`))
	})
	svc, err := pubsubv1.NewService(context.Background(), testOptions(srv)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	err = NewPubSubAPIClient(svc).CreateTopic(context.Background(), ps.TopicName("proj", "m1"))
	if !errors.Is(err, ps.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestKeepHeaders(t *testing.T) {
	in := []*gmail.MessagePartHeader{
		{Name: "subject", Value: "hi"},
		{Name: "From", Value: "a@example.com"},
		{Name: "X-Spam", Value: "no"},
	}
	got := keepHeaders(in, []string{"From", "Subject"})
	if len(got) != 2 || got["Subject"] != "hi" || got["From"] != "a@example.com" {
		t.Fatalf("unexpected headers: %+v", got)
	}
	if all := keepHeaders(in, nil); len(all) != 3 {
		t.Fatalf("expected all headers without allowlist, got %+v", all)
	}
}

package mailsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/joshsymonds/mailwatch/internal/gmail"
	"github.com/joshsymonds/mailwatch/internal/property"
	"github.com/joshsymonds/mailwatch/internal/pubsub"
)

const testMailbox = "mb1"

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeGmail struct {
	mu sync.Mutex

	pages      map[string]gmail.HistoryPage // by page token
	historyErr map[string]error
	historyFn  func(q gmail.HistoryQuery) (gmail.HistoryPage, error)
	messages   map[gmail.MessageID]gmail.Message
	messageErr map[gmail.MessageID]error
	watchResp  gmail.WatchResponse
	watchErr   error
	stopErr    error
	profile    gmail.Profile
	labels     map[string]gmail.LabelID

	calls      []string
	queries    []gmail.HistoryQuery
	watchReqs  []gmail.WatchRequest
	getFormats []gmail.Format
	getHeaders [][]string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		pages:      map[string]gmail.HistoryPage{},
		historyErr: map[string]error{},
		messages:   map[gmail.MessageID]gmail.Message{},
		messageErr: map[gmail.MessageID]error{},
	}
}

func (f *fakeGmail) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGmail) callsNamed(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeGmail) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGmail) History(_ context.Context, q gmail.HistoryQuery) (gmail.HistoryPage, error) {
	f.record("history")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.historyFn != nil {
		return f.historyFn(q)
	}
	if err := f.historyErr[q.PageToken]; err != nil {
		return gmail.HistoryPage{}, err
	}
	return f.pages[q.PageToken], nil
}

func (f *fakeGmail) GetMessage(_ context.Context, id gmail.MessageID, format gmail.Format, headers []string) (gmail.Message, error) {
	f.record("get")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFormats = append(f.getFormats, format)
	f.getHeaders = append(f.getHeaders, headers)
	if err := f.messageErr[id]; err != nil {
		return gmail.Message{}, err
	}
	m, ok := f.messages[id]
	if !ok {
		return gmail.Message{}, fmt.Errorf("%w: message %s", gmail.ErrNotFound, id)
	}
	return m, nil
}

func (f *fakeGmail) Watch(_ context.Context, req gmail.WatchRequest) (gmail.WatchResponse, error) {
	f.record("watch")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchReqs = append(f.watchReqs, req)
	return f.watchResp, f.watchErr
}

func (f *fakeGmail) Stop(context.Context) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeGmail) Profile(context.Context) (gmail.Profile, error) {
	f.record("profile")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, nil
}

func (f *fakeGmail) ListLabels(context.Context) (map[string]gmail.LabelID, map[gmail.LabelID]string, error) {
	f.record("labels")
	f.mu.Lock()
	defer f.mu.Unlock()
	byName := map[string]gmail.LabelID{}
	byID := map[gmail.LabelID]string{}
	for name, id := range f.labels {
		byName[name] = id
		byID[id] = name
	}
	return byName, byID, nil
}

type fakePubSub struct {
	mu    sync.Mutex
	errs  map[string]error // by call name
	calls []string
	subs  []pubsub.PushSubscription
	grant []string
}

func newFakePubSub() *fakePubSub { return &fakePubSub{errs: map[string]error{}} }

func (f *fakePubSub) do(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.errs[call]
}

func (f *fakePubSub) CreateTopic(_ context.Context, topic string) error {
	return f.do("createTopic " + topic)
}

func (f *fakePubSub) GrantPublisher(_ context.Context, topic, member string) error {
	f.mu.Lock()
	f.grant = append(f.grant, member)
	f.mu.Unlock()
	return f.do("grant " + topic)
}

func (f *fakePubSub) CreateSubscription(_ context.Context, sub pubsub.PushSubscription) error {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return f.do("createSubscription " + sub.Name)
}

func (f *fakePubSub) DeleteSubscription(_ context.Context, name string) error {
	return f.do("deleteSubscription " + name)
}

func (f *fakePubSub) DeleteTopic(_ context.Context, topic string) error {
	return f.do("deleteTopic " + topic)
}

func (f *fakePubSub) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnv(props property.Store, ps pubsub.Client) Env {
	return Env{
		Options: Options{
			Project:      "acme",
			CallbackRoot: "https://hooks.example.com/mailboxes/",
			PageSize:     100,
		},
		PubSub: ps,
		Props:  props,
		Logger: slogDiscard(),
		Clock:  func() time.Time { return testNow },
	}
}

func newTestSession(t *testing.T) (*Session, *fakeGmail, *fakePubSub, *property.MemoryStore) {
	t.Helper()
	g := newFakeGmail()
	ps := newFakePubSub()
	props := property.NewMemoryStore()
	return NewSession(testMailbox, g, testEnv(props, ps)), g, ps, props
}

func setProp(t *testing.T, props property.Store, key, val string) {
	t.Helper()
	if err := props.Set(context.Background(), testMailbox, key, val); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func getProp(t *testing.T, props property.Store, key string) string {
	t.Helper()
	v, err := property.GetOptional(context.Background(), props, testMailbox, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return v
}

// envelope builds a push delivery carrying historyID in its payload.
func envelope(t *testing.T, historyID any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"emailAddress": "owner@example.com", "historyId": historyID})
	if err != nil {
		t.Fatal(err)
	}
	return rawEnvelope(t, base64.StdEncoding.EncodeToString(payload))
}

func rawEnvelope(t *testing.T, data string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":        data,
			"messageId":   "2070443601311540",
			"publishTime": "2026-03-14T09:00:00Z",
		},
		"subscription": "projects/acme/subscriptions/mail-" + testMailbox,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func added(ids ...string) gmail.HistoryRecord {
	rec := gmail.HistoryRecord{}
	for _, id := range ids {
		rec.Added = append(rec.Added, gmail.MessageRef{ID: gmail.MessageID(id), ThreadID: gmail.ThreadID("t-" + id)})
	}
	return rec
}

func labeled(id string, labels ...gmail.LabelID) gmail.HistoryRecord {
	return gmail.HistoryRecord{Added: []gmail.MessageRef{{
		ID:       gmail.MessageID(id),
		ThreadID: gmail.ThreadID("t-" + id),
		Labels:   labels,
	}}}
}

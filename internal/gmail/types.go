// internal/gmail/types.go
package gmail

import (
	"errors"
	"slices"
	"strings"
	"time"
)

type MessageID string
type LabelID string
type ThreadID string

var systemLabels = []LabelID{
	"INBOX", "SPAM", "TRASH", "UNREAD", "STARRED", "IMPORTANT", "SENT", "DRAFT", "CHAT",
	"CATEGORY_PERSONAL", "CATEGORY_SOCIAL", "CATEGORY_PROMOTIONS", "CATEGORY_UPDATES", "CATEGORY_FORUMS",
}

// SystemLabel maps a system label name in any case to its id.
func SystemLabel(name string) (LabelID, bool) {
	want := LabelID(strings.ToUpper(strings.TrimSpace(name)))
	if slices.Contains(systemLabels, want) {
		return want, true
	}
	return "", false
}

// HistoryID is the provider's monotonically increasing change cursor.
type HistoryID uint64

// ErrNotFound is returned for 404 responses: a vanished message, a stopped
// watch, or a history cursor older than the provider's retention.
var ErrNotFound = errors.New("gmail: not found")

// Format selects how much of a message the provider returns.
type Format string

const (
	FormatMetadata Format = "metadata"
	FormatFull     Format = "full"
	FormatRaw      Format = "raw"
	FormatMinimal  Format = "minimal"
)

// Valid reports whether f is one of the provider's message formats.
func (f Format) Valid() bool {
	switch f {
	case FormatMetadata, FormatFull, FormatRaw, FormatMinimal:
		return true
	default:
		return false
	}
}

// HistoryQuery addresses one page of the incremental change feed.
type HistoryQuery struct {
	Start     HistoryID
	PageToken string
	PageSize  int
}

type HistoryPage struct {
	Records       []HistoryRecord
	HistoryID     HistoryID // mailbox cursor at the time of the response
	NextPageToken string
}

// HistoryRecord is one entry of the change feed. Only message additions are
// requested, so Added is the only populated change type.
type HistoryRecord struct {
	ID    HistoryID
	Added []MessageRef
}

type MessageRef struct {
	ID       MessageID
	ThreadID ThreadID
	Labels   []LabelID
}

type Message struct {
	ID           MessageID         `json:"id"`
	ThreadID     ThreadID          `json:"threadId"`
	Labels       []LabelID         `json:"labelIds,omitempty"`
	Snippet      string            `json:"snippet,omitempty"`
	HistoryID    HistoryID         `json:"historyId,omitempty"`
	InternalDate time.Time         `json:"internalDate"`
	SizeEstimate int64             `json:"sizeEstimate,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"` // To, From, Subject, Date, Content-Type, etc.
	Raw          string            `json:"raw,omitempty"`
}

type WatchRequest struct {
	TopicName string
	Labels    []LabelID // include filter; empty watches the whole mailbox
}

type WatchResponse struct {
	HistoryID  HistoryID
	Expiration time.Time
}

type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     HistoryID
}

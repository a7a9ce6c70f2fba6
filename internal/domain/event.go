package domain

import (
	"hash/fnv"
	"strings"
	"time"
)

// SourceType identifies which upstream produced a content event. It selects
// the analysis provider.
type SourceType string

const (
	SourceWebMonitor SourceType = "web-monitor"
	SourceSocial     SourceType = "social"
)

// ParseSourceType maps the wire "type" field of an intake payload to a
// SourceType. Social platforms are folded into SourceSocial.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "web-monitor":
		return SourceWebMonitor, nil
	case "social", "truthsocial", "twitter":
		return SourceSocial, nil
	default:
		return "", invalid("type", "unsupported source type %q", s)
	}
}

// ContentEvent is an inbound notification carrying scraped or posted text.
// It is immutable once received.
type ContentEvent struct {
	UUID       string
	Source     SourceType
	URL        string
	Username   string
	ContentID  string
	Content    string
	RemoteIP   string
	ReceivedAt time.Time
}

// EventIdentity is the deduplication key of a content event.
type EventIdentity struct {
	Source    SourceType
	ContentID string
}

// String renders the identity as "source:content_id".
func (i EventIdentity) String() string {
	return string(i.Source) + ":" + i.ContentID
}

// ClientOrderID derives the exchange client order ID for the identity, so
// every submission for one event carries the same value. It fits the 45 bits
// Bitfinex accepts for cid.
func (i EventIdentity) ClientOrderID() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(i.String()))
	return int64(h.Sum64() & (1<<45 - 1))
}

// Identity returns the (source, content_id) pair. Events delivered without a
// content ID fall back to their UUID.
func (e ContentEvent) Identity() EventIdentity {
	id := strings.TrimSpace(e.ContentID)
	if id == "" {
		id = strings.TrimSpace(e.UUID)
	}
	return EventIdentity{Source: e.Source, ContentID: id}
}

// Validate checks that the event can enter the pipeline.
func (e ContentEvent) Validate() error {
	switch e.Source {
	case SourceWebMonitor, SourceSocial:
	case "":
		return invalid("type", "must not be empty")
	default:
		return invalid("type", "unsupported source type %q", e.Source)
	}
	if strings.TrimSpace(e.Content) == "" {
		return invalid("content", "must not be empty")
	}
	if e.Identity().ContentID == "" {
		return invalid("content-id", "either content-id or uuid is required")
	}
	return nil
}

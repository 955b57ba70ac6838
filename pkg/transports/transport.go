// Package transports normalizes provider webhooks into intake events and sends
// replies back through the provider.
package transports

import (
	"context"
	"net/http"
	"time"

	"github.com/jurisflow/intake/pkg/leads"
)

// Event is the tagged variant produced by a Normalizer: *Inbound, *Ignored or
// *OperatorMessage.
type Event interface {
	eventKind() string
}

// Media describes an attachment the provider hosts.
type Media struct {
	URL         string
	ContentType string
}

// Inbound is a contact message ready for the conversation core.
type Inbound struct {
	Identifier        string
	DisplayName       string
	Text              string
	Type              leads.MessageType
	ProviderMessageID string
	Media             *Media
	ReceivedAt        time.Time
}

// Ignored is a delivery the core must not see (own messages, groups, status callbacks).
type Ignored struct {
	Reason            string
	ProviderMessageID string
}

// OperatorMessage is a message a human sent from the office phone.
type OperatorMessage struct {
	Identifier        string
	Text              string
	ProviderMessageID string
}

func (*Inbound) eventKind() string         { return "inbound" }
func (*Ignored) eventKind() string         { return "ignored" }
func (*OperatorMessage) eventKind() string { return "operator" }

// Kind names an event for logs.
func Kind(e Event) string {
	if e == nil {
		return "none"
	}
	return e.eventKind()
}

// Normalizer validates a provider webhook and converts it into an Event.
type Normalizer interface {
	Normalize(r *http.Request) (Event, error)
}

// Sender delivers a text message to a contact.
type Sender interface {
	Name() string
	Send(ctx context.Context, to, text string) error
}

// MediaFetcher downloads provider-hosted media, e.g. inbound audio for transcription.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, m Media) ([]byte, error)
}

// Transport is a provider integration: webhook normalization plus outbound send.
type Transport interface {
	Normalizer
	Sender
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// Placeholder texts stored for media without a caption.
const (
	PlaceholderImage    = "[contact sent an image]"
	PlaceholderAudio    = "[contact sent an audio message]"
	PlaceholderDocument = "[contact sent a document]"
	PlaceholderEmpty    = "[empty message]"
)

// Placeholder returns the stored text for a media message without text.
func Placeholder(t leads.MessageType) string {
	switch t {
	case leads.TypeImage:
		return PlaceholderImage
	case leads.TypeAudio:
		return PlaceholderAudio
	case leads.TypeDocument:
		return PlaceholderDocument
	default:
		return PlaceholderEmpty
	}
}

package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/transports"
)

// Sent is a captured outbound message.
type Sent struct {
	To   string
	Text string
}

// Transport is an in-memory transport for local testing and integration. It accepts
// a plain JSON webhook and records everything it sends.
type Transport struct {
	mu   sync.Mutex
	sent []Sent
	// Err, when set, is returned by Send.
	Err error
}

func New() *Transport {
	return &Transport{}
}

func (t *Transport) Name() string { return "mock" }

type payload struct {
	From        string `json:"from"`
	Name        string `json:"name"`
	Text        string `json:"text"`
	Type        string `json:"type"`
	MessageID   string `json:"message_id"`
	FromMe      bool   `json:"from_me"`
	MediaURL    string `json:"media_url"`
	ContentType string `json:"content_type"`
}

func (t *Transport) Normalize(r *http.Request) (transports.Event, error) {
	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return nil, err
	}
	if p.FromMe {
		return &transports.OperatorMessage{Identifier: p.From, Text: p.Text, ProviderMessageID: p.MessageID}, nil
	}
	if p.From == "" {
		return &transports.Ignored{Reason: "missing sender"}, nil
	}
	typ := leads.ParseMessageType(p.Type)
	text := p.Text
	if text == "" {
		text = transports.Placeholder(typ)
	}
	in := &transports.Inbound{
		Identifier:        p.From,
		DisplayName:       p.Name,
		Text:              text,
		Type:              typ,
		ProviderMessageID: p.MessageID,
	}
	if p.MediaURL != "" {
		in.Media = &transports.Media{URL: p.MediaURL, ContentType: p.ContentType}
	}
	return in, nil
}

func (t *Transport) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.sent = append(t.sent, Sent{To: to, Text: text})
	return nil
}

// Sent returns a copy of every delivered message.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentTo filters delivered messages by recipient.
func (t *Transport) SentTo(to string) []Sent {
	var out []Sent
	for _, s := range t.Sent() {
		if s.To == to {
			out = append(out, s)
		}
	}
	return out
}

package twilio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/transports"
)

// maxBodyRunes is the Messages API body limit.
const maxBodyRunes = 1600

const maxMediaBytes = 25 << 20

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

func newMessageCreator(cfg Config) messageCreator {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return rest.Api
}

// Send delivers text over WhatsApp, split into API-sized parts.
func (t *Transport) Send(ctx context.Context, to, text string) error {
	if t.messages == nil || t.cfg.From == "" {
		return errorsx.New(errorsx.ReasonConfig, "missing twilio credentials or sender")
	}
	to = strings.TrimSpace(to)
	if to == "" || strings.TrimSpace(text) == "" {
		return errorsx.New(errorsx.ReasonTransportSend, "recipient and text required")
	}
	if !strings.HasPrefix(to, whatsappPrefix) {
		to = whatsappPrefix + to
	}
	for i, part := range splitBody(text, maxBodyRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &api.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(t.cfg.From)
		params.SetBody(part)
		resp, err := t.messages.CreateMessage(params)
		if err != nil {
			return errorsx.Wrapf(err, errorsx.ReasonTransportSend, "twilio send part %d", i+1)
		}
		if resp == nil || resp.Sid == nil {
			return errorsx.New(errorsx.ReasonTransportSend, "missing message sid")
		}
		t.logger.Debug("twilio_message_sent", "sid", *resp.Sid, "part", i+1)
	}
	return nil
}

// FetchMedia downloads a media URL from a webhook using account credentials.
func (t *Transport) FetchMedia(ctx context.Context, m transports.Media) ([]byte, error) {
	if m.URL == "" {
		return nil, errorsx.New(errorsx.ReasonTransportPayload, "media url missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportPayload)
	}
	if t.cfg.AccountSID != "" {
		req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonTransportPayload, "fetch media")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errorsx.New(errorsx.ReasonTransportPayload, fmt.Sprintf("fetch media: status %d", resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
}

// splitBody cuts text into parts of at most max runes, preferring paragraph and
// line breaks, then spaces.
func splitBody(text string, max int) []string {
	runes := []rune(strings.TrimSpace(text))
	var parts []string
	for len(runes) > max {
		cut := max
		window := string(runes[:max])
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > 0 {
				if n := len([]rune(window[:i])); n >= max/2 {
					cut = n
					break
				}
			}
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

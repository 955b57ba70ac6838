// Package zapi adapts the Z-API WhatsApp gateway: JSON webhooks in, send-text out.
package zapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/transports"
)

const maxPayloadBytes = 1 << 20

type Config struct {
	BaseURL     string `mapstructure:"base_url"`
	InstanceID  string `mapstructure:"instance_id"`
	Token       string `mapstructure:"token"`
	ClientToken string `mapstructure:"client_token"`
	WebhookPath string `mapstructure:"webhook_path"`
	// WebhookSecret, when set, must arrive in X-Webhook-Token or the token query parameter.
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.z-api.io"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.WebhookPath == "" {
		c.WebhookPath = "/webhooks/zapi"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

type Transport struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(logger, "zapi"),
	}
}

func (t *Transport) Name() string { return "zapi" }

func (t *Transport) WebhookPath() string { return t.cfg.WebhookPath }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"webhook_path": t.cfg.WebhookPath, "instance": t.cfg.InstanceID != ""}
}

type mediaBlock struct {
	AudioURL    string `json:"audioUrl"`
	ImageURL    string `json:"imageUrl"`
	DocumentURL string `json:"documentUrl"`
	MimeType    string `json:"mimeType"`
	Caption     string `json:"caption"`
}

type payload struct {
	Phone       string `json:"phone"`
	MessageID   string `json:"messageId"`
	ID          string `json:"id"`
	FromMe      bool   `json:"fromMe"`
	FromAPI     bool   `json:"fromApi"`
	IsGroup     bool   `json:"isGroup"`
	Type        string `json:"type"`
	MessageType string `json:"messageType"`
	ChatName    string `json:"chatName"`
	SenderName  string `json:"senderName"`
	Message     string `json:"message"`
	Text        *struct {
		Message string `json:"message"`
	} `json:"text"`
	Audio    *mediaBlock `json:"audio"`
	Image    *mediaBlock `json:"image"`
	Document *mediaBlock `json:"document"`
}

// Normalize maps a Z-API "on message received" callback. Messages the bot sent
// through the API and group chats are ignored; other messages sent from the office
// phone become operator messages.
func (t *Transport) Normalize(r *http.Request) (transports.Event, error) {
	if !t.authorized(r) {
		t.logger.Warn("zapi_invalid_token", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		return nil, errorsx.New(errorsx.ReasonTransportInvalidSignature, "invalid webhook token")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonTransportPayload, "read zapi payload")
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonTransportPayload, "decode zapi payload")
	}
	id := p.MessageID
	if id == "" {
		id = p.ID
	}
	phone := strings.TrimSpace(p.Phone)
	if phone == "" {
		return nil, errorsx.New(errorsx.ReasonTransportPayload, "missing phone")
	}
	switch {
	case p.IsGroup:
		return &transports.Ignored{Reason: "group message", ProviderMessageID: id}, nil
	case p.FromAPI:
		return &transports.Ignored{Reason: "api message", ProviderMessageID: id}, nil
	}

	text := p.Message
	if p.Text != nil && p.Text.Message != "" {
		text = p.Text.Message
	}
	typ, media := p.media()
	if media != nil && strings.TrimSpace(text) == "" {
		text = media.Caption
	}
	text = strings.TrimSpace(text)

	if p.FromMe {
		if text == "" {
			return &transports.Ignored{Reason: "empty own message", ProviderMessageID: id}, nil
		}
		return &transports.OperatorMessage{Identifier: phone, Text: text, ProviderMessageID: id}, nil
	}

	in := &transports.Inbound{
		Identifier:        phone,
		DisplayName:       strings.TrimSpace(p.ChatName),
		Text:              text,
		Type:              typ,
		ProviderMessageID: id,
		ReceivedAt:        time.Now().UTC(),
	}
	if in.DisplayName == "" {
		in.DisplayName = strings.TrimSpace(p.SenderName)
	}
	if media != nil {
		url := media.AudioURL + media.ImageURL + media.DocumentURL
		in.Media = &transports.Media{URL: url, ContentType: media.MimeType}
	}
	if in.Text == "" {
		in.Text = transports.Placeholder(typ)
	}
	return in, nil
}

func (p payload) media() (leads.MessageType, *mediaBlock) {
	kind := strings.ToLower(p.Type)
	if p.MessageType != "" {
		kind = strings.ToLower(p.MessageType)
	}
	switch {
	case p.Audio != nil || kind == "audio" || kind == "ptt":
		return leads.TypeAudio, p.Audio
	case p.Image != nil || kind == "image":
		return leads.TypeImage, p.Image
	case p.Document != nil || kind == "document":
		return leads.TypeDocument, p.Document
	default:
		return leads.TypeText, nil
	}
}

func (t *Transport) authorized(r *http.Request) bool {
	if t.cfg.WebhookSecret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Token")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(t.cfg.WebhookSecret)) == 1
}

// Send posts to the instance send-text endpoint.
func (t *Transport) Send(ctx context.Context, to, text string) error {
	if t.cfg.InstanceID == "" || t.cfg.Token == "" {
		return errorsx.New(errorsx.ReasonConfig, "z-api credentials not configured")
	}
	body, err := json.Marshal(map[string]string{"phone": to, "message": text})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	url := fmt.Sprintf("%s/instances/%s/token/%s/send-text", t.cfg.BaseURL, t.cfg.InstanceID, t.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.ClientToken != "" {
		req.Header.Set("Client-Token", t.cfg.ClientToken)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonTransportSend, "z-api send")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errorsx.New(errorsx.ReasonTransportSend, fmt.Sprintf("z-api send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return nil
}

// FetchMedia downloads a media URL. Z-API hosts media on public, expiring URLs.
func (t *Transport) FetchMedia(ctx context.Context, m transports.Media) ([]byte, error) {
	if m.URL == "" {
		return nil, errorsx.New(errorsx.ReasonTransportPayload, "media url missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportPayload)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonTransportPayload, "fetch media")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errorsx.New(errorsx.ReasonTransportPayload, fmt.Sprintf("fetch media: status %d", resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 25<<20))
}

var _ transports.Transport = (*Transport)(nil)
var _ transports.MediaFetcher = (*Transport)(nil)

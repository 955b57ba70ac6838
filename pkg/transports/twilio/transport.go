// Package twilio adapts the Twilio WhatsApp API: form-encoded webhooks signed with
// X-Twilio-Signature in, Messages API out.
package twilio

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/transports"
)

const whatsappPrefix = "whatsapp:"

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type Config struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	From        string `mapstructure:"from"`
	PublicURL   string `mapstructure:"public_url"`
	ServerAddr  string `mapstructure:"server_addr"`
	WebhookPath string `mapstructure:"webhook_path"`
	// SkipSignature disables X-Twilio-Signature checks; local development only.
	SkipSignature bool          `mapstructure:"skip_signature"`
	MediaTimeout  time.Duration `mapstructure:"media_timeout"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebhookPath == "" {
		c.WebhookPath = "/webhooks/twilio"
	}
	if c.MediaTimeout <= 0 {
		c.MediaTimeout = 20 * time.Second
	}
	if c.From != "" && !strings.HasPrefix(c.From, whatsappPrefix) {
		c.From = whatsappPrefix + c.From
	}
	return c
}

type Transport struct {
	cfg    Config
	logger *slog.Logger

	messages   messageCreator
	httpClient *http.Client
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "twilio"),
		messages:   newMessageCreator(cfg),
		httpClient: &http.Client{Timeout: cfg.MediaTimeout},
	}
}

func (t *Transport) Name() string { return "twilio" }

// WebhookPath is where the engine mounts Normalize.
func (t *Transport) WebhookPath() string { return t.cfg.WebhookPath }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url": t.webhookURL(),
		"from":        t.cfg.From,
	}
}

// WriteAck answers the webhook with an empty TwiML document; replies go out through Send.
func (t *Transport) WriteAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// Normalize validates the signature and maps the webhook form to an event.
func (t *Transport) Normalize(r *http.Request) (transports.Event, error) {
	if !t.cfg.SkipSignature && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		return nil, errorsx.New(errorsx.ReasonTransportInvalidSignature, "invalid twilio signature")
	}
	if err := r.ParseForm(); err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonTransportPayload, "parse twilio form")
	}
	form := r.PostForm
	sid := form.Get("MessageSid")
	if status := form.Get("MessageStatus"); status != "" {
		return &transports.Ignored{Reason: "status callback: " + status, ProviderMessageID: sid}, nil
	}
	from := form.Get("From")
	if from == "" {
		return &transports.Ignored{Reason: "missing sender", ProviderMessageID: sid}, nil
	}
	if t.cfg.From != "" && strings.EqualFold(from, t.cfg.From) {
		return &transports.Ignored{Reason: "own message", ProviderMessageID: sid}, nil
	}

	in := &transports.Inbound{
		Identifier:        strings.TrimPrefix(from, whatsappPrefix),
		DisplayName:       strings.TrimSpace(form.Get("ProfileName")),
		Text:              strings.TrimSpace(form.Get("Body")),
		Type:              leads.TypeText,
		ProviderMessageID: sid,
		ReceivedAt:        time.Now().UTC(),
	}
	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		ct := form.Get("MediaContentType0")
		in.Type = mediaType(ct)
		in.Media = &transports.Media{URL: form.Get("MediaUrl0"), ContentType: ct}
	}
	if in.Text == "" {
		in.Text = transports.Placeholder(in.Type)
	}
	return in, nil
}

func mediaType(contentType string) leads.MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return leads.TypeImage
	case strings.HasPrefix(ct, "audio/"):
		return leads.TypeAudio
	default:
		return leads.TypeDocument
	}
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) webhookURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebhookPath
	}
	addr := t.cfg.ServerAddr
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.WebhookPath
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
	return strings.TrimRight(v, "/")
}

var _ transports.Transport = (*Transport)(nil)
var _ transports.MediaFetcher = (*Transport)(nil)

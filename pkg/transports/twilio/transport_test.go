package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"unicode/utf8"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/transports"
)

func signedRequest(t *testing.T, tr *Transport, token string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://example.com/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{}
	for k := range form {
		params[k] = form.Get(k)
	}
	req.Header.Set("X-Twilio-Signature", computeSignature(token, tr.requestURL(req), params))
	return req
}

func TestNormalizeValidatesSignature(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", From: "+14155238886"}
	tr := New(cfg, logging.Discard())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511911112222")
	form.Set("Body", "Oi, tenho um consignado")
	form.Set("ProfileName", "Maria")
	form.Set("MessageSid", "SM123")

	ev, err := tr.Normalize(signedRequest(t, tr, "token", form))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	in, ok := ev.(*transports.Inbound)
	if !ok {
		t.Fatalf("expected inbound, got %T", ev)
	}
	if in.Identifier != "+5511911112222" || in.DisplayName != "Maria" || in.ProviderMessageID != "SM123" || in.Type != leads.TypeText {
		t.Fatalf("unexpected inbound: %+v", in)
	}

	bad := httptest.NewRequest(http.MethodPost, "https://example.com/webhooks/twilio", strings.NewReader(form.Encode()))
	bad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	bad.Header.Set("X-Twilio-Signature", "invalid")
	if _, err := tr.Normalize(bad); !errorsx.HasReason(err, errorsx.ReasonTransportInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
}

func TestNormalizeMediaAndIgnored(t *testing.T) {
	tr := New(Config{SkipSignature: true, From: "whatsapp:+14155238886"}, logging.Discard())
	post := func(form url.Values) transports.Event {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		ev, err := tr.Normalize(req)
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		return ev
	}

	ev := post(url.Values{
		"From":              {"whatsapp:+5511911112222"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://api.twilio.com/media/ME1"},
		"MediaContentType0": {"audio/ogg"},
	})
	in, ok := ev.(*transports.Inbound)
	if !ok || in.Type != leads.TypeAudio || in.Text != transports.PlaceholderAudio || in.Media == nil {
		t.Fatalf("unexpected audio inbound: %+v", ev)
	}

	if _, ok := post(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}).(*transports.Ignored); !ok {
		t.Fatalf("expected status callback ignored")
	}
	if _, ok := post(url.Values{"From": {"whatsapp:+14155238886"}, "Body": {"echo"}}).(*transports.Ignored); !ok {
		t.Fatalf("expected own message ignored")
	}
}

type stubMessages struct {
	bodies []string
	to     string
	err    error
}

func (s *stubMessages) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	if params.To != nil {
		s.to = *params.To
	}
	if params.Body != nil {
		s.bodies = append(s.bodies, *params.Body)
	}
	sid := "SM" + string(rune('0'+len(s.bodies)))
	return &api.ApiV2010Message{Sid: &sid}, nil
}

func TestSendSplitsLongBodies(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token", From: "+14155238886"}, logging.Discard())
	stub := &stubMessages{}
	tr.messages = stub

	text := strings.Repeat("Uma frase sobre o contrato. ", 100)
	if err := tr.Send(context.Background(), "+5511911112222", text); err != nil {
		t.Fatalf("send: %v", err)
	}
	if stub.to != "whatsapp:+5511911112222" {
		t.Fatalf("unexpected recipient %q", stub.to)
	}
	if len(stub.bodies) != 2 {
		t.Fatalf("expected two parts, got %d", len(stub.bodies))
	}
	for _, b := range stub.bodies {
		if utf8.RuneCountInString(b) > maxBodyRunes {
			t.Fatalf("part too long: %d", utf8.RuneCountInString(b))
		}
	}

	stub.err = errors.New("boom")
	if err := tr.Send(context.Background(), "+5511911112222", "hi"); !errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		t.Fatalf("expected transport_send error, got %v", err)
	}
	if err := New(Config{}, logging.Discard()).Send(context.Background(), "+1", "hi"); !errorsx.HasReason(err, errorsx.ReasonConfig) {
		t.Fatalf("expected config error without credentials, got %v", err)
	}
}

func TestFetchMediaUsesBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("OggS"))
	}))
	defer srv.Close()

	tr := New(Config{AccountSID: "AC123", AuthToken: "token"}, logging.Discard())
	data, err := tr.FetchMedia(context.Background(), transports.Media{URL: srv.URL + "/ME1"})
	if err != nil || string(data) != "OggS" {
		t.Fatalf("fetch media: %q %v", data, err)
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWriteAckReturnsEmptyTwiML(t *testing.T) {
	tr := New(Config{AccountSID: "AC1", AuthToken: "tok"}, logging.Discard())
	rec := httptest.NewRecorder()
	tr.WriteAck(rec)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/xml" {
		t.Fatalf("unexpected ack: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "<Response></Response>") {
		t.Fatalf("expected empty TwiML, got %q", rec.Body.String())
	}
}

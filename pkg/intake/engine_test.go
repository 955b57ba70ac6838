package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jurisflow/intake/pkg/adapters/stt"
	"github.com/jurisflow/intake/pkg/conversation"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/providers/mock"
	"github.com/jurisflow/intake/pkg/store"
	"github.com/jurisflow/intake/pkg/transports"
	mocktransport "github.com/jurisflow/intake/pkg/transports/mock"
	"github.com/jurisflow/intake/pkg/turn"
)

const (
	contact  = "+5511955554444"
	operator = "+5511900000000"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine    *Engine
	transport *mocktransport.Transport
	llm       *mock.LLMAdapter
	obs       *metrics.MemoryObserver
	clock     *fakeClock
	server    *httptest.Server
}

func testConfig() Config {
	return Config{
		LogLevel:     "error",
		Transports:   TransportsConfig{Provider: "mock"},
		Vendors:      VendorsConfig{LLM: VendorConfig{Provider: "mock"}},
		Conversation: conversation.Config{Timezone: "UTC"},
		Handoff:      HandoffConfig{OperatorNumber: operator, FarewellNotice: true},
		Knowledge:    KnowledgeConfig{Disabled: true},
		Metrics:      MetricsConfig{Prometheus: true},
	}
}

func newHarness(t *testing.T, cfg Config, llmCfg mock.LLMConfig, mutate func(*EngineOptions)) *harness {
	t.Helper()
	st, err := store.New(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		transport: mocktransport.New(),
		llm:       mock.NewLLMAdapter(llmCfg),
		obs:       metrics.NewMemoryObserver(),
		clock:     &fakeClock{now: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)},
	}
	opts := EngineOptions{
		Config:    cfg,
		Transport: h.transport,
		LLM:       h.llm,
		Store:     st,
		Observer:  h.obs,
		Logger:    logging.Discard(),
		Now:       h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = e
	h.server = httptest.NewServer(e.Handler())
	t.Cleanup(func() {
		h.server.Close()
		_ = e.Drain()
	})
	return h
}

func (h *harness) webhook(t *testing.T, body map[string]any) Outcome {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(h.server.URL+"/webhooks/mock", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("webhook status %d: %s", resp.StatusCode, b)
	}
	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return out
}

func TestWebhookRunsTurnAndSendsReply(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{ResponseText: "Hello Maria! Which bank made the loan?"}, nil)

	out := h.webhook(t, map[string]any{"from": contact, "name": "Maria", "text": "Oi, tenho um consignado", "message_id": "m1"})
	if out.Status != conversation.StatusProcessed || out.State != string(turn.StateActive) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	sent := h.transport.SentTo(contact)
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Which bank made the loan?") {
		t.Fatalf("expected reply to contact, got %+v", sent)
	}

	dup := h.webhook(t, map[string]any{"from": contact, "name": "Maria", "text": "Oi, tenho um consignado", "message_id": "m1"})
	if dup.Status != conversation.StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", dup)
	}
	if len(h.transport.SentTo(contact)) != 1 {
		t.Fatalf("duplicate must not send a second reply")
	}
}

func TestWebhookRejectsBadPayload(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{}, nil)
	resp, err := http.Post(h.server.URL+"/webhooks/mock", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAudioWithoutTranscriberGetsAutoReply(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{}, nil)

	out := h.webhook(t, map[string]any{"from": contact, "type": "audio", "message_id": "a1", "media_url": "https://media/a1"})
	if out.Status != statusAudioAutoReply {
		t.Fatalf("expected auto-reply, got %+v", out)
	}
	sent := h.transport.SentTo(contact)
	if len(sent) != 1 || sent[0].Text != DefaultAudioAutoReply {
		t.Fatalf("unexpected sends: %+v", sent)
	}
	if n := h.llm.CallsFor(conversation.PurposeReply); n != 0 {
		t.Fatalf("auto-reply must not call the model, got %d calls", n)
	}
	l, _ := h.engine.store.GetLeadByIdentifier(context.Background(), contact)
	if l != nil {
		t.Fatalf("auto-reply must not create a lead")
	}
}

type fetchingTransport struct {
	*mocktransport.Transport
	audio []byte
}

func (f *fetchingTransport) FetchMedia(ctx context.Context, m transports.Media) ([]byte, error) {
	return f.audio, nil
}

type stubTranscriber struct {
	text string
	got  []byte
}

func (s *stubTranscriber) Name() string { return "stub" }

func (s *stubTranscriber) Transcribe(ctx context.Context, audio io.Reader, contentType string) (stt.Transcript, error) {
	s.got, _ = io.ReadAll(audio)
	return stt.Transcript{Text: s.text, Confidence: 0.9}, nil
}

func TestAudioIsTranscribedAndNormalized(t *testing.T) {
	cfg := testConfig()
	cfg.Normalizer.Replacements = map[string]string{"consig nado": "consignado"}
	tr := &fetchingTransport{Transport: mocktransport.New(), audio: []byte("OggS")}
	stub := &stubTranscriber{text: "tenho um consig nado no banco"}
	h := newHarness(t, cfg, mock.LLMConfig{ResponseText: "Got it, which bank?"}, func(o *EngineOptions) {
		o.Transport = tr
		o.Transcriber = stub
	})

	out := h.webhook(t, map[string]any{"from": contact, "type": "audio", "message_id": "a2", "media_url": "https://media/a2", "content_type": "audio/ogg"})
	if out.Status != conversation.StatusProcessed {
		t.Fatalf("expected processed turn, got %+v", out)
	}
	if string(stub.got) != "OggS" {
		t.Fatalf("expected fetched audio to reach the transcriber")
	}
	l, err := h.engine.store.GetLeadByIdentifier(context.Background(), contact)
	if err != nil || l == nil {
		t.Fatalf("expected lead, got %v %v", l, err)
	}
	msgs, _ := h.engine.store.RecentMessages(context.Background(), l.ID, 10)
	if len(msgs) == 0 || msgs[0].Content != "tenho um consignado no banco" {
		t.Fatalf("expected normalized transcript stored, got %+v", msgs)
	}
	_ = h.engine.Drain()
	if h.obs.Count(metrics.EventTranscription) != 1 {
		t.Fatalf("expected transcription event")
	}
	if len(tr.SentTo(contact)) != 1 {
		t.Fatalf("expected one reply")
	}
}

type sequenceTranscriber struct {
	texts []string
	calls int
}

func (s *sequenceTranscriber) Name() string { return "sequence" }

func (s *sequenceTranscriber) Transcribe(ctx context.Context, audio io.Reader, contentType string) (stt.Transcript, error) {
	text := s.texts[s.calls%len(s.texts)]
	s.calls++
	return stt.Transcript{Text: text, Confidence: 0.9}, nil
}

func TestRedeliveredAudioIsTranscribedOnce(t *testing.T) {
	tr := &fetchingTransport{Transport: mocktransport.New(), audio: []byte("OggS")}
	seq := &sequenceTranscriber{texts: []string{"tenho um consignado", "tenho um consignado."}}
	h := newHarness(t, testConfig(), mock.LLMConfig{ResponseText: "Which bank?"}, func(o *EngineOptions) {
		o.Transport = tr
		o.Transcriber = seq
	})

	payload := map[string]any{"from": contact, "type": "audio", "message_id": "a9", "media_url": "https://media/a9", "content_type": "audio/ogg"}
	first := h.webhook(t, payload)
	second := h.webhook(t, payload)
	if first.Status != conversation.StatusProcessed || second.Status != conversation.StatusDuplicate {
		t.Fatalf("expected processed then duplicate, got %q / %q", first.Status, second.Status)
	}
	if seq.calls != 1 {
		t.Fatalf("expected one transcription, got %d", seq.calls)
	}
	if n := len(tr.SentTo(contact)); n != 1 {
		t.Fatalf("expected one reply, got %d", n)
	}
}

func TestRedeliveredAudioAutoReplySentOnce(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{}, nil)

	payload := map[string]any{"from": contact, "type": "audio", "message_id": "a10", "media_url": "https://media/a10"}
	h.webhook(t, payload)
	if out := h.webhook(t, payload); out.Status != conversation.StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", out)
	}
	if n := len(h.transport.SentTo(contact)); n != 1 {
		t.Fatalf("expected a single auto-reply, got %d", n)
	}
}

func TestHumanRequestNotifiesOperator(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{}, nil)

	out := h.webhook(t, map[string]any{"from": contact, "name": "Maria", "text": "Quero falar com advogado agora", "message_id": "h1"})
	if !out.Handoff || out.State != string(turn.StateAwaitingHuman) {
		t.Fatalf("expected handoff, got %+v", out)
	}
	_ = h.engine.Drain()

	alerts := h.transport.SentTo(operator)
	if len(alerts) != 1 {
		t.Fatalf("expected a single operator alert, got %+v", alerts)
	}
	if !strings.Contains(alerts[0].Text, "wa.me/") || !strings.Contains(alerts[0].Text, "Maria") {
		t.Fatalf("unexpected alert text: %q", alerts[0].Text)
	}
}

func TestOperatorEndpointRecordsTakeover(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{ResponseText: "Which bank?"}, nil)
	h.webhook(t, map[string]any{"from": contact, "name": "Maria", "text": "Oi, tenho um consignado", "message_id": "o1"})

	body := strings.NewReader(`{"identifier":"` + contact + `","text":"Hi Maria, this is Dr. Silva."}`)
	resp, err := http.Post(h.server.URL+"/api/operator/messages", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var view leadView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != string(turn.StateAwaitingHuman) || view.LastHumanMessageAt == nil {
		t.Fatalf("expected takeover recorded, got %+v", view)
	}
	sent := h.transport.SentTo(contact)
	if len(sent) != 2 || sent[1].Text != "Hi Maria, this is Dr. Silva." {
		t.Fatalf("expected operator text delivered, got %+v", sent)
	}

	h.clock.Advance(6 * time.Minute)
	out := h.webhook(t, map[string]any{"from": contact, "text": "Ok, obrigado", "message_id": "o2"})
	if out.State != string(turn.StateActive) {
		t.Fatalf("expected auto-resume after operator silence, got %+v", out)
	}
}

func TestOperatorWebhookEvent(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{}, nil)
	out := h.webhook(t, map[string]any{"from": contact, "text": "sent from the office phone", "from_me": true, "message_id": "p1"})
	if out.Status != statusOperator {
		t.Fatalf("expected operator outcome, got %+v", out)
	}
	l, _ := h.engine.store.GetLeadByIdentifier(context.Background(), contact)
	if l == nil || l.State != turn.StateAwaitingHuman {
		t.Fatalf("expected lead awaiting human, got %+v", l)
	}
	if len(h.transport.Sent()) != 0 {
		t.Fatalf("operator messages are not echoed")
	}
}

func TestLeadEndpoints(t *testing.T) {
	extraction := `{"institution":"Banco X","loan_type":"payroll","installment_amount":450,"installment_count":null,` +
		`"contract_period":null,"national_id":"123.456.789-00","email":null,"birth_date":null,"confidence":90}`
	h := newHarness(t, testConfig(), mock.LLMConfig{ResponseText: "Thanks!", ExtractionText: extraction}, nil)
	h.webhook(t, map[string]any{"from": contact, "name": "Maria", "text": "Consignado no Banco X, parcela de 450", "message_id": "l1"})

	resp, err := http.Get(h.server.URL + "/api/leads/" + contact)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var view leadView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Fields.Institution != "Banco X" || view.Qualified == nil || !*view.Qualified {
		t.Fatalf("expected qualified lead, got %+v", view)
	}
	if strings.Contains(view.Fields.NationalID, "123") || !strings.HasSuffix(view.Fields.NationalID, "00") {
		t.Fatalf("expected masked national id, got %q", view.Fields.NationalID)
	}
	if len(view.Messages) != 2 {
		t.Fatalf("expected inbound and outbound messages, got %d", len(view.Messages))
	}

	list, err := http.Get(h.server.URL + "/api/leads?state=active")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer list.Body.Close()
	var payload struct {
		Leads []leadView `json:"leads"`
	}
	if err := json.NewDecoder(list.Body).Decode(&payload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(payload.Leads) != 1 {
		t.Fatalf("expected one active lead, got %d", len(payload.Leads))
	}

	missing, _ := http.Get(h.server.URL + "/api/leads/+550000")
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestSecurityLogEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{ResponseText: "You have the right to demand compensation."}, nil)
	h.webhook(t, map[string]any{"from": contact, "text": "O banco me cobrou errado", "message_id": "s1"})

	resp, err := http.Get(h.server.URL + "/api/security-logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Logs []securityLogView `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Logs) != 1 || payload.Logs[0].Identifier != contact {
		t.Fatalf("expected one security log, got %+v", payload.Logs)
	}
	sent := h.transport.SentTo(contact)
	if len(sent) != 1 || strings.Contains(sent[0].Text, "right to demand") {
		t.Fatalf("unsafe reply must not reach the contact: %+v", sent)
	}
}

func TestAPITokenRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIToken = "s3cret"
	h := newHarness(t, cfg, mock.LLMConfig{}, nil)

	resp, _ := http.Get(h.server.URL + "/api/leads")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/api/leads", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", ok.StatusCode)
	}

	health, _ := http.Get(h.server.URL + "/health")
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public, got %d", health.StatusCode)
	}
}

func TestMetricsEndpointExportsEvents(t *testing.T) {
	h := newHarness(t, testConfig(), mock.LLMConfig{ResponseText: "Hello"}, nil)
	h.webhook(t, map[string]any{"from": contact, "text": "Oi, bom dia", "message_id": "x1"})
	_ = h.engine.Drain()

	rec := httptest.NewRecorder()
	h.engine.prom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "intake_events_total") {
		t.Fatalf("expected intake counters, got %s", rec.Body.String())
	}
}

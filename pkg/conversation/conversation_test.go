package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jurisflow/intake/pkg/dedup"
	"github.com/jurisflow/intake/pkg/extract"
	"github.com/jurisflow/intake/pkg/knowledge"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/llm"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/providers/mock"
	"github.com/jurisflow/intake/pkg/store"
	"github.com/jurisflow/intake/pkg/turn"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.New(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	llm   *mock.LLMAdapter
	clock *fakeClock
	obs   *metrics.MemoryObserver
}

func newFixture(t *testing.T, cfg mock.LLMConfig, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		store: newTestStore(t),
		llm:   mock.NewLLMAdapter(cfg),
		clock: newFakeClock(),
		obs:   metrics.NewMemoryObserver(),
	}
	deps := Deps{
		Store:    f.store,
		LLM:      f.llm,
		Logger:   logging.Discard(),
		Observer: f.obs,
		Now:      f.clock.Now,
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := New(Config{Timezone: "UTC"}, deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func inbound(text string) Inbound {
	return Inbound{Identifier: "+5511911112222", Text: text, DisplayName: "Maria"}
}

func TestFirstTurnCreatesLeadAndActivates(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{ResponseText: "Hello! Which bank made the loan?"}, nil)
	res := f.svc.ProcessInboundMessage(context.Background(), inbound("Oi, tenho um consignado"), nil)

	if res.Ignored || res.Status != StatusProcessed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Created || res.Context.State != turn.StateActive {
		t.Fatalf("expected created ACTIVE lead, got created=%v state=%s", res.Created, res.Context.State)
	}
	if res.ReplyText == "" || len(res.Context.History) != 2 {
		t.Fatalf("expected reply and two history messages, got %q / %d", res.ReplyText, len(res.Context.History))
	}
	l, err := f.store.GetLeadByIdentifier(context.Background(), "+5511911112222")
	if err != nil || l == nil {
		t.Fatalf("lead not stored: %v", err)
	}
	if l.DisplayName != "Maria" || l.State != turn.StateActive {
		t.Fatalf("unexpected stored lead: %+v", l)
	}
	if got := f.llm.CallsFor(extract.PurposeExtraction); got != 1 {
		t.Fatalf("expected extraction on first turn, got %d", got)
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	clock := newFakeClock()
	gate := dedup.NewGate(dedup.NewMemoryCache(), dedup.Options{Now: clock.Now, Logger: logging.Discard()})
	f := newFixture(t, mock.LLMConfig{}, func(d *Deps) { d.Dedup = gate })

	in := inbound("Quero saber sobre meu empréstimo")
	in.ProviderMessageID = "wamid.1"
	ctx := context.Background()
	if res := f.svc.ProcessInboundMessage(ctx, in, nil); res.Ignored {
		t.Fatalf("first delivery should be processed")
	}
	clock.Advance(30 * time.Second)
	res := f.svc.ProcessInboundMessage(ctx, in, nil)
	if !res.Ignored || res.Status != StatusDuplicate || res.ReplyText != "" {
		t.Fatalf("expected duplicate to be ignored, got %+v", res)
	}
	clock.Advance(31 * time.Second)
	if res := f.svc.ProcessInboundMessage(ctx, in, nil); res.Ignored {
		t.Fatalf("expected delivery after the window to be processed")
	}
	n, _ := f.store.CountMessages(ctx, 1)
	if n != 4 {
		t.Fatalf("expected two processed turns (4 messages), got %d", n)
	}
}

func TestAutoResumeTiming(t *testing.T) {
	cases := []struct {
		name  string
		idle  time.Duration
		state turn.State
	}{
		{"resumes after six minutes", 6 * time.Minute, turn.StateActive},
		{"stays with operator after two minutes", 2 * time.Minute, turn.StateAwaitingHuman},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, mock.LLMConfig{ResponseText: "Thanks, noted."}, nil)
			ctx := context.Background()
			l, _, err := f.store.EnsureLead(ctx, "+5511911112222", "Maria")
			if err != nil {
				t.Fatalf("ensure lead: %v", err)
			}
			last := f.clock.Now().Add(-tc.idle)
			l.State = turn.StateAwaitingHuman
			l.LastHumanMessageAt = &last
			if err := f.store.UpdateLead(ctx, l); err != nil {
				t.Fatalf("update lead: %v", err)
			}

			res := f.svc.ProcessInboundMessage(ctx, inbound("ok, thanks"), nil)
			if res.Context.State != tc.state {
				t.Fatalf("expected %s, got %s", tc.state, res.Context.State)
			}
			stored, _ := f.store.GetLeadByIdentifier(ctx, "+5511911112222")
			resumed := tc.state == turn.StateActive
			if resumed && stored.LastHumanMessageAt != nil {
				t.Fatalf("expected operator timestamp cleared on resume")
			}
			if !resumed && stored.LastHumanMessageAt == nil {
				t.Fatalf("expected operator timestamp kept")
			}
			if resumed != (f.obs.Count(metrics.EventAutoResume) == 1) {
				t.Fatalf("auto resume metric mismatch")
			}
		})
	}
}

func TestQualificationAcrossExtractionTurns(t *testing.T) {
	extractions := []string{
		`{"name": null, "loan_type": "payroll", "confidence": 80}`,
		`{"institution": "Bank X", "confidence": 85}`,
		`{"installment_amount": 450, "confidence": 90}`,
	}
	var mu sync.Mutex
	next := 0
	f := newFixture(t, mock.LLMConfig{Func: func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.Schema == nil {
			return llm.Response{Text: "Got it, thank you."}, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if next >= len(extractions) {
			return llm.Response{Text: `{"confidence": 10}`}, nil
		}
		text := extractions[next]
		next++
		return llm.Response{Text: text}, nil
	}}, nil)

	ctx := context.Background()
	var prior *Context
	messages := []string{
		"I have a payroll loan",
		"It started two years ago",
		"The bank is Bank X",
		"I pay every month",
		"It never ends",
		"The installment is $450",
	}
	for i, text := range messages {
		res := f.svc.ProcessInboundMessage(ctx, inbound(text), prior)
		prior = res.Context
		qualified := res.Lead.IsQualified()
		switch i {
		case 2:
			if qualified || res.Lead.Qualification.Reason != leads.ReasonInsufficientData {
				t.Fatalf("turn 3: expected insufficient data, got %+v", res.Lead.Qualification)
			}
		case 5:
			if !qualified {
				t.Fatalf("turn 6: expected qualified lead, got %+v", res.Lead.Qualification)
			}
		}
	}
	if got := f.llm.CallsFor(extract.PurposeExtraction); got != 3 {
		t.Fatalf("expected extraction on turns 1, 3 and 6, got %d calls", got)
	}
	stored, _ := f.store.GetLeadByIdentifier(ctx, "+5511911112222")
	if !stored.IsQualified() || stored.Fields.Institution != "Bank X" || stored.Fields.LoanType != "payroll" {
		t.Fatalf("unexpected stored lead: %+v", stored)
	}
}

func TestGenerationFailureFallsBack(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{Err: errors.New("upstream timeout")}, nil)
	res := f.svc.ProcessInboundMessage(context.Background(), inbound("Olá, preciso de ajuda"), nil)

	if strings.TrimSpace(res.ReplyText) == "" || res.ReplyText != DefaultFallbackReply {
		t.Fatalf("expected fallback reply, got %q", res.ReplyText)
	}
	if res.Context.State != turn.StateAwaitingHuman || !res.Handoff || res.Reason != turn.ReasonGenerationFailed {
		t.Fatalf("expected handoff after failure, got %+v", res)
	}
	if f.obs.Count(metrics.EventLLMFallback) != 1 {
		t.Fatalf("expected fallback metric")
	}
}

func TestHumanRequestShortcut(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{}, nil)
	res := f.svc.ProcessInboundMessage(context.Background(), inbound("Quero falar com advogado por favor"), nil)
	if res.ReplyText != DefaultHumanRequestReply || !res.Handoff || res.Reason != turn.ReasonContactAskedHuman {
		t.Fatalf("unexpected shortcut result: %+v", res)
	}
	if got := f.llm.CallsFor(PurposeReply); got != 0 {
		t.Fatalf("expected no reply generation, got %d", got)
	}
}

func TestRestrictedTopicHandsOff(t *testing.T) {
	restrictions := knowledge.NewRestrictions([]knowledge.Restriction{{
		Topic:    "fees",
		Triggers: []string{"honorários"},
		Reply:    "The attorney explains fees personally.",
	}})
	f := newFixture(t, mock.LLMConfig{}, func(d *Deps) { d.Restrictions = restrictions })
	res := f.svc.ProcessInboundMessage(context.Background(), inbound("Quanto custam os honorários?"), nil)
	if res.ReplyText != "The attorney explains fees personally." || res.Reason != turn.ReasonRestrictedTopic {
		t.Fatalf("unexpected restricted result: %+v", res)
	}
}

type emptySource struct{}

func (emptySource) Name() string { return "empty" }

func (emptySource) Search(context.Context, string, int) ([]knowledge.Snippet, error) {
	return nil, nil
}

func TestMissingKnowledgeHandsOffOnlyForQuestions(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{ResponseText: "Let me check."}, func(d *Deps) { d.Knowledge = emptySource{} })
	ctx := context.Background()

	res := f.svc.ProcessInboundMessage(ctx, inbound("Bom dia, tudo bem"), nil)
	if res.Handoff {
		t.Fatalf("greeting must not hand off: %+v", res)
	}
	res = f.svc.ProcessInboundMessage(ctx, inbound("What documents should I bring to the office?"), res.Context)
	if !res.Handoff || res.Reason != turn.ReasonMissingKnowledge {
		t.Fatalf("expected missing knowledge handoff, got %+v", res)
	}
}

func TestUnsafeReplyIsReplaced(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{ResponseText: "You have the right to demand compensation from the bank."}, nil)
	res := f.svc.ProcessInboundMessage(context.Background(), inbound("Tenho um consignado no banco"), nil)
	if strings.Contains(res.ReplyText, "right to demand compensation") {
		t.Fatalf("unsafe reply leaked: %q", res.ReplyText)
	}
	if !strings.Contains(res.ReplyText, "⚠️") {
		t.Fatalf("expected disclaimer marker, got %q", res.ReplyText)
	}
	if f.obs.Count(metrics.EventSafetyRejected) != 1 {
		t.Fatalf("expected safety rejection metric")
	}
}

func TestOperatorMessageTakesOver(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{ResponseText: "Noted."}, nil)
	ctx := context.Background()
	f.svc.ProcessInboundMessage(ctx, inbound("Olá"), nil)

	l, err := f.svc.RecordOperatorMessage(ctx, "+5511911112222", "Hi Maria, this is the attorney.", "op-1")
	if err != nil {
		t.Fatalf("record operator message: %v", err)
	}
	if l.State != turn.StateAwaitingHuman || l.LastHumanMessageAt == nil {
		t.Fatalf("expected operator takeover, got %+v", l)
	}
	n, _ := f.store.CountMessages(ctx, l.ID)
	if n != 2 {
		t.Fatalf("operator messages must not count as exchanges, got %d", n)
	}

	f.clock.Advance(time.Minute)
	res := f.svc.ProcessInboundMessage(ctx, inbound("Thanks for the reply"), nil)
	if res.Context.State != turn.StateAwaitingHuman {
		t.Fatalf("expected to stay with operator, got %s", res.Context.State)
	}
	if _, err := f.svc.RecordOperatorMessage(ctx, "", "x", ""); err == nil {
		t.Fatalf("expected error for empty identifier")
	}
}

func TestConcurrentTurnsForOneContactAreSerialized(t *testing.T) {
	f := newFixture(t, mock.LLMConfig{ResponseText: "ok"}, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.svc.ProcessInboundMessage(ctx, inbound(fmt.Sprintf("message number %d", i)), nil)
		}(i)
	}
	wg.Wait()

	l, _ := f.store.GetLeadByIdentifier(ctx, "+5511911112222")
	n, _ := f.store.CountMessages(ctx, l.ID)
	if n != 16 {
		t.Fatalf("expected 16 messages, got %d", n)
	}
	if f.svc.locks.size() != 0 {
		t.Fatalf("expected lock table to drain")
	}
}

func TestIsQuestion(t *testing.T) {
	cases := map[string]bool{
		"How long does it take":          true,
		"o que eu preciso levar":         true,
		"Qual o endereço do escritório?": true,
		"ok?":                            false,
		"Tenho um consignado":            false,
		"my bank is Bank X?":             true,
	}
	for in, want := range cases {
		if got := IsQuestion(in); got != want {
			t.Fatalf("IsQuestion(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGreetingAndBirthday(t *testing.T) {
	if Greeting(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)) != "Good morning" {
		t.Fatalf("expected morning greeting")
	}
	if Greeting(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)) != "Good evening" {
		t.Fatalf("expected evening greeting")
	}
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	if !IsBirthday("1980-03-10", now) || !IsBirthday("10/03/1975", now) || IsBirthday("1980-03-11", now) {
		t.Fatalf("birthday detection mismatch")
	}
	l := &leads.Lead{DisplayName: "Maria", Fields: leads.Fields{BirthDate: "1980-03-10"}}
	prompt := buildSystemPrompt(Persona{}.withDefaults(), promptInput{lead: l, firstTurn: false, now: now})
	if !strings.Contains(prompt, "birthday") {
		t.Fatalf("expected birthday note in prompt")
	}
}

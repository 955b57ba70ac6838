// Package conversation runs one intake turn: dedup, state, extraction, retrieval,
// generation, the outbound safety chain and persistence.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jurisflow/intake/pkg/dedup"
	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/extract"
	"github.com/jurisflow/intake/pkg/handoff"
	"github.com/jurisflow/intake/pkg/knowledge"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/llm"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/processors"
	"github.com/jurisflow/intake/pkg/redact"
	"github.com/jurisflow/intake/pkg/resilience"
	"github.com/jurisflow/intake/pkg/safety"
	"github.com/jurisflow/intake/pkg/turn"
)

const PurposeReply = "reply"

const reasonStoreUnavailable = "lead store unavailable"

// Result statuses.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "ignored, duplicate"
	StatusInvalid   = "ignored, invalid"
)

const (
	DefaultHistoryWindow     = 10
	DefaultExtractionEvery   = 3
	DefaultReplyTemperature  = 0.3
	DefaultReplyMaxTokens    = 600
	DefaultFallbackReply     = "Sorry, I'm having technical trouble right now. I've let the attorney know and they will get back to you shortly."
	DefaultHumanRequestReply = "✅ Got it! I'm letting the attorney know right now so they can take over.\n\nThey'll reply to you soon! 🙋‍♂️"
)

// Store is the persistence the service needs.
type Store interface {
	GetLeadByIdentifier(ctx context.Context, identifier string) (*leads.Lead, error)
	EnsureLead(ctx context.Context, identifier, displayName string) (*leads.Lead, bool, error)
	UpdateLead(ctx context.Context, l *leads.Lead) error
	AppendMessage(ctx context.Context, m *leads.Message) (int64, error)
	RecentMessages(ctx context.Context, leadID int64, limit int) ([]leads.Message, error)
	CountMessages(ctx context.Context, leadID int64) (int, error)
}

// Extractor turns history into candidate fields. It never fails.
type Extractor interface {
	Extract(ctx context.Context, history []llm.Message, current leads.Fields) leads.Extracted
}

type Config struct {
	HistoryWindow           int           `mapstructure:"history_window"`
	ExtractionEvery         int           `mapstructure:"extraction_every"`
	ResumeAfter             time.Duration `mapstructure:"resume_after"`
	ReplyTemperature        float64       `mapstructure:"reply_temperature"`
	ReplyMaxTokens          int           `mapstructure:"reply_max_tokens"`
	NameConfidenceThreshold int           `mapstructure:"name_confidence_threshold"`
	EligibleLoanTypes       []string      `mapstructure:"eligible_loan_types"`
	KnowledgeLimit          int           `mapstructure:"knowledge_limit"`
	FallbackReply           string        `mapstructure:"fallback_reply"`
	HumanRequestReply       string        `mapstructure:"human_request_reply"`
	Timezone                string        `mapstructure:"timezone"`
	Persona                 Persona       `mapstructure:"persona"`
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.ExtractionEvery <= 0 {
		c.ExtractionEvery = DefaultExtractionEvery
	}
	if c.ReplyTemperature <= 0 {
		c.ReplyTemperature = DefaultReplyTemperature
	}
	if c.ReplyMaxTokens <= 0 {
		c.ReplyMaxTokens = DefaultReplyMaxTokens
	}
	if c.NameConfidenceThreshold <= 0 {
		c.NameConfidenceThreshold = leads.DefaultNameConfidenceThreshold
	}
	if c.KnowledgeLimit <= 0 {
		c.KnowledgeLimit = knowledge.DefaultLimit
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		c.FallbackReply = DefaultFallbackReply
	}
	if strings.TrimSpace(c.HumanRequestReply) == "" {
		c.HumanRequestReply = DefaultHumanRequestReply
	}
	c.Persona = c.Persona.withDefaults()
	return c
}

// Deps are the collaborators of a Service. Store and LLM are required.
type Deps struct {
	Store        Store
	LLM          llm.Adapter
	Extractor    Extractor
	Knowledge    knowledge.Source
	Restrictions *knowledge.Restrictions
	Filter       *safety.Filter
	Validator    *safety.Validator
	Dedup        *dedup.Gate
	Machine      *turn.Machine
	Detector     *handoff.Detector
	Limiter      *processors.ResponseLimiter
	Persist      resilience.RetryPolicy
	Logger       *slog.Logger
	Observer     metrics.Observer
	Now          func() time.Time
}

// Inbound is one normalized contact message.
type Inbound struct {
	Identifier        string
	Text              string
	DisplayName       string
	Type              leads.MessageType
	ProviderMessageID string
	// Admitted marks a delivery the caller already passed through the dedup gate.
	Admitted bool
}

// Context is the per-turn view of a conversation. Passing the previous turn's
// Context back in skips the history reload.
type Context struct {
	LeadID        int64
	Identifier    string
	DisplayName   string
	State         turn.State
	History       []leads.Message
	Fields        leads.Fields
	Qualification leads.Qualification
}

type Result struct {
	ReplyText string
	Context   *Context
	Ignored   bool
	Status    string
	// Handoff is set when this turn moved the conversation to AWAITING_HUMAN.
	Handoff bool
	Reason  string
	// Lead is a snapshot after the turn, nil when ignored.
	Lead *leads.Lead
	// Created reports that this turn created the lead.
	Created bool
}

type Service struct {
	cfg          Config
	store        Store
	llm          llm.Adapter
	extractor    Extractor
	knowledge    knowledge.Source
	restrictions *knowledge.Restrictions
	filter       *safety.Filter
	validator    *safety.Validator
	dedup        *dedup.Gate
	machine      *turn.Machine
	detector     *handoff.Detector
	limiter      *processors.ResponseLimiter
	persist      resilience.RetryPolicy
	rules        leads.Rules
	loc          *time.Location
	locks        *keyedMutex
	logger       *slog.Logger
	obs          metrics.Observer
	now          func() time.Time
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errorsx.New(errorsx.ReasonConfig, "conversation: store is required")
	}
	if deps.LLM == nil {
		return nil, errorsx.New(errorsx.ReasonConfig, "conversation: llm adapter is required")
	}
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	rules := leads.DefaultRules()
	if len(cfg.EligibleLoanTypes) > 0 {
		rules = leads.Rules{EligibleLoanTypes: cfg.EligibleLoanTypes}
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonConfig, "conversation: timezone %q", cfg.Timezone)
		}
		loc = l
	}
	if deps.Filter == nil {
		f, err := safety.NewFilter(safety.FilterOptions{Logger: deps.Logger, Observer: deps.Observer})
		if err != nil {
			return nil, err
		}
		deps.Filter = f
	}
	if deps.Validator == nil {
		v, err := safety.NewValidator(nil, deps.Logger, deps.Observer)
		if err != nil {
			return nil, err
		}
		deps.Validator = v
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(deps.LLM, extract.Options{Rules: rules, Logger: deps.Logger, Observer: deps.Observer})
	}
	if deps.Machine == nil {
		deps.Machine = turn.NewMachine(turn.Options{ResumeAfter: cfg.ResumeAfter, Now: deps.Now})
	}
	if deps.Detector == nil {
		deps.Detector = handoff.NewDetector(nil, nil)
	}
	if deps.Persist.MaxRetries == 0 && deps.Persist.Backoff == 0 {
		deps.Persist = resilience.NewRetryPolicy(2, 100*time.Millisecond)
	}
	return &Service{
		cfg:          cfg,
		store:        deps.Store,
		llm:          deps.LLM,
		extractor:    deps.Extractor,
		knowledge:    deps.Knowledge,
		restrictions: deps.Restrictions,
		filter:       deps.Filter,
		validator:    deps.Validator,
		dedup:        deps.Dedup,
		machine:      deps.Machine,
		detector:     deps.Detector,
		limiter:      deps.Limiter,
		persist:      deps.Persist,
		rules:        rules,
		loc:          loc,
		locks:        newKeyedMutex(),
		logger:       logging.NewComponentLogger(deps.Logger, "conversation"),
		obs:          deps.Observer,
		now:          deps.Now,
	}, nil
}

// Machine exposes the transition table so callers can attach listeners.
func (s *Service) Machine() *turn.Machine { return s.machine }

// Detector returns the keyword detector used for human requests.
func (s *Service) Detector() *handoff.Detector { return s.detector }

// ProcessInboundMessage runs a full turn. It never fails: every error path ends in
// a reply for the contact, or an ignored result for duplicates.
func (s *Service) ProcessInboundMessage(ctx context.Context, in Inbound, prior *Context) Result {
	identifier := strings.TrimSpace(in.Identifier)
	text := strings.TrimSpace(in.Text)
	if identifier == "" || text == "" {
		return Result{Ignored: true, Status: StatusInvalid}
	}
	if s.dedup != nil && !in.Admitted && !s.dedup.Admit(ctx, identifier, text, in.ProviderMessageID) {
		return Result{Ignored: true, Status: StatusDuplicate}
	}

	unlock := s.locks.Lock(identifier)
	defer unlock()

	in.Identifier = identifier
	in.Text = text
	t := &turnState{
		in:     in,
		start:  s.now(),
		logger: s.logger.With("trace_id", uuid.NewString(), "contact", redact.Identifier(identifier)),
	}
	return s.run(ctx, t, prior)
}

type turnState struct {
	in      Inbound
	start   time.Time
	logger  *slog.Logger
	lead    *leads.Lead
	created bool
	history []leads.Message
	from    turn.State
	signals turn.Signals
	reply   string
}

func (s *Service) run(ctx context.Context, t *turnState, prior *Context) Result {
	lead, created, err := s.loadLead(ctx, t.in)
	if err != nil {
		t.logger.Error("lead_load_failed", "reason_code", errorsx.Reason(err), "error", err)
		return Result{
			ReplyText: s.cfg.FallbackReply,
			Status:    StatusProcessed,
			Handoff:   true,
			Reason:    reasonStoreUnavailable,
		}
	}
	t.lead, t.created = lead, created

	if next, resumed := s.machine.Resume(lead.Identifier, lead.State, lead.LastHumanMessageAt, t.start); resumed {
		lead.State = next
		lead.LastHumanMessageAt = nil
		metrics.Record(s.obs, metrics.EventAutoResume, 1, map[string]string{"component": "conversation"})
		t.logger.Info("conversation_resumed")
	}
	t.from = lead.State

	t.history = s.history(ctx, t, prior)

	extractNow := s.shouldExtract(ctx, t)
	shortcut, shortcutReason := s.shortcut(t)

	var (
		extracted leads.Extracted
		snippets  []knowledge.Snippet
		g         errgroup.Group
	)
	if extractNow {
		g.Go(func() error {
			extracted = s.extractor.Extract(ctx, extractionHistory(t.history, t.in.Text), lead.Fields)
			return nil
		})
	}
	if !shortcut && s.knowledge != nil {
		g.Go(func() error {
			found, err := s.knowledge.Search(ctx, t.in.Text, s.cfg.KnowledgeLimit)
			if err != nil {
				t.logger.Warn("knowledge_search_failed", "reason_code", errorsx.Reason(err), "error", err)
			}
			snippets = found
			return nil
		})
	}
	_ = g.Wait()

	if extractNow {
		lead.Apply(leads.Merge(lead.DisplayName, lead.Fields, extracted, leads.MergeOptions{
			NameConfidenceThreshold: s.cfg.NameConfidenceThreshold,
			Rules:                   s.rules,
		}))
		t.logger.Debug("lead_fields_merged", "confidence", extracted.Confidence, "failed", extracted.Failed, "qualified", lead.IsQualified())
	}

	if shortcut {
		t.logger.Info("turn_shortcut", "reason", shortcutReason)
	} else {
		t.signals.MissingKnowledge = s.knowledge != nil && len(snippets) == 0 && IsQuestion(t.in.Text)
		s.generate(ctx, t, snippets)
	}

	next, reason := s.machine.Advance(lead.Identifier, t.from, t.signals)
	lead.State = next
	handoffNow := next == turn.StateAwaitingHuman && t.from != turn.StateAwaitingHuman

	s.persistTurn(ctx, t)

	elapsed := s.now().Sub(t.start)
	tags := map[string]string{"component": "conversation", "state": string(next)}
	metrics.Record(s.obs, metrics.EventTurnCompleted, float64(elapsed.Milliseconds()), tags)
	if handoffNow {
		metrics.Record(s.obs, metrics.EventHandoff, 1, map[string]string{"component": "conversation", "reason": reason})
	}
	t.logger.Info("turn_completed",
		"from_state", string(t.from),
		"to_state", string(next),
		"reason", reason,
		"extracted", extractNow,
		"knowledge_hits", len(snippets),
		"qualified", lead.IsQualified(),
		"elapsed_ms", elapsed.Milliseconds(),
	)

	snapshot := *lead
	return Result{
		ReplyText: t.reply,
		Context:   s.contextFor(lead, t),
		Status:    StatusProcessed,
		Handoff:   handoffNow,
		Reason:    reason,
		Lead:      &snapshot,
		Created:   t.created,
	}
}

func (s *Service) loadLead(ctx context.Context, in Inbound) (*leads.Lead, bool, error) {
	name := strings.TrimSpace(in.DisplayName)
	if leads.IsPlaceholderName(name) {
		name = ""
	}
	lead, created, err := s.store.EnsureLead(ctx, in.Identifier, name)
	if err != nil {
		return nil, false, err
	}
	// Contact metadata names the lead when nothing better is known yet.
	if name != "" && lead.DisplayName == "" {
		lead.DisplayName = name
	}
	return lead, created, nil
}

func (s *Service) history(ctx context.Context, t *turnState, prior *Context) []leads.Message {
	if prior != nil && prior.LeadID == t.lead.ID && prior.LeadID != 0 {
		return tail(prior.History, s.cfg.HistoryWindow)
	}
	if t.created {
		return nil
	}
	msgs, err := s.store.RecentMessages(ctx, t.lead.ID, s.cfg.HistoryWindow)
	if err != nil {
		t.logger.Warn("history_load_failed", "reason_code", errorsx.Reason(err), "error", err)
		return nil
	}
	return msgs
}

// shouldExtract runs extraction on a lead's first turn and then on every Nth
// exchange, counting the current one.
func (s *Service) shouldExtract(ctx context.Context, t *turnState) bool {
	if t.created {
		return true
	}
	n, err := s.store.CountMessages(ctx, t.lead.ID)
	if err != nil {
		t.logger.Warn("message_count_failed", "reason_code", errorsx.Reason(err), "error", err)
		return false
	}
	exchange := n/2 + 1
	return exchange%s.cfg.ExtractionEvery == 0
}

// shortcut handles explicit human requests and restricted topics without generation.
func (s *Service) shortcut(t *turnState) (bool, string) {
	if s.detector.IsHumanRequest(t.in.Text) {
		t.reply = s.cfg.HumanRequestReply
		t.signals.ContactAskedHuman = true
		return true, turn.ReasonContactAskedHuman
	}
	if res, ok := s.restrictions.Match(t.in.Text); ok {
		t.reply = res.Reply
		t.signals.Restricted = true
		return true, "restricted topic: " + res.Topic
	}
	return false, ""
}

func (s *Service) generate(ctx context.Context, t *turnState, snippets []knowledge.Snippet) {
	prompt := buildSystemPrompt(s.cfg.Persona, promptInput{
		lead:      t.lead,
		firstTurn: len(t.history) == 0,
		knowledge: knowledge.FormatContext(snippets),
		now:       s.now().In(s.loc),
	})
	msgs := make([]llm.Message, 0, len(t.history)+2)
	msgs = append(msgs, llm.System(prompt))
	msgs = append(msgs, chatHistory(t.history)...)
	msgs = append(msgs, llm.User(t.in.Text))

	started := time.Now()
	resp, err := s.llm.Generate(ctx, llm.Request{
		Messages:    msgs,
		Temperature: s.cfg.ReplyTemperature,
		MaxTokens:   s.cfg.ReplyMaxTokens,
		Purpose:     PurposeReply,
	})
	metrics.Record(s.obs, metrics.EventLLMLatency, float64(time.Since(started).Milliseconds()), map[string]string{"component": "conversation", "purpose": PurposeReply})
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = errorsx.New(errorsx.ReasonLLMGenerate, "empty reply")
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
		t.logger.Error("generation_failed", "reason_code", errorsx.Reason(err), "error", err)
		metrics.Record(s.obs, metrics.EventLLMFallback, 1, map[string]string{"component": "conversation", "reason": string(errorsx.Reason(err))})
		t.reply = s.cfg.FallbackReply
		t.signals.GenerationFailed = true
		return
	}
	t.signals.Generated = true

	reply := strings.TrimSpace(resp.Text)
	t.signals.ReplySignalsHandoff = s.detector.ReplySignalsHandoff(reply)
	if limited, cut := s.limiter.Limit(reply); cut {
		reply = limited
		t.logger.Debug("reply_truncated")
	}
	if vr := s.validator.Validate(reply); !vr.Valid {
		reply = vr.Reply
	}
	verdict := s.filter.EvaluateOutboundSafety(ctx, reply, safety.Linkage{LeadID: t.lead.ID, Identifier: t.lead.Identifier})
	reply = verdict.FinalText
	reply, _ = s.filter.ApplyDisclaimer(reply, t.in.Text, len(t.history) == 0)
	t.reply = reply
}

// persistTurn writes the lead and both messages independently. Failures are
// logged and never abort the turn.
func (s *Service) persistTurn(ctx context.Context, t *turnState) {
	write := func(what string, fn func(context.Context) error) {
		if err := s.persist.DoContext(ctx, fn); err != nil {
			t.logger.Error("persist_failed", "what", what, "reason_code", errorsx.Reason(err), "error", err)
			metrics.Record(s.obs, metrics.EventPersistFailed, 1, map[string]string{"component": "conversation", "what": what})
		}
	}
	write("lead", func(ctx context.Context) error { return s.store.UpdateLead(ctx, t.lead) })

	typ := t.in.Type
	if typ == "" {
		typ = leads.TypeText
	}
	inbound := leads.Message{
		LeadID:            t.lead.ID,
		Direction:         leads.DirectionInbound,
		Type:              typ,
		Content:           t.in.Text,
		ProviderMessageID: t.in.ProviderMessageID,
	}
	write("inbound_message", func(ctx context.Context) error {
		_, err := s.store.AppendMessage(ctx, &inbound)
		return err
	})
	outbound := leads.Message{
		LeadID:    t.lead.ID,
		Direction: leads.DirectionOutbound,
		Type:      leads.TypeText,
		Content:   t.reply,
	}
	write("outbound_message", func(ctx context.Context) error {
		_, err := s.store.AppendMessage(ctx, &outbound)
		return err
	})
	t.history = append(t.history, inbound, outbound)
}

func (s *Service) contextFor(l *leads.Lead, t *turnState) *Context {
	return &Context{
		LeadID:        l.ID,
		Identifier:    l.Identifier,
		DisplayName:   l.DisplayName,
		State:         l.State,
		History:       tail(t.history, s.cfg.HistoryWindow),
		Fields:        l.Fields,
		Qualification: l.Qualification,
	}
}

// RecordOperatorMessage stores a message a human sent to the contact and hands the
// conversation over to them. The auto-resume window starts now.
func (s *Service) RecordOperatorMessage(ctx context.Context, identifier, text, providerID string) (*leads.Lead, error) {
	identifier = strings.TrimSpace(identifier)
	text = strings.TrimSpace(text)
	if identifier == "" || text == "" {
		return nil, errorsx.New(errorsx.ReasonTransportPayload, "operator message needs identifier and text")
	}
	unlock := s.locks.Lock(identifier)
	defer unlock()

	lead, _, err := s.store.EnsureLead(ctx, identifier, "")
	if err != nil {
		return nil, err
	}
	now := s.now()
	msg := leads.Message{
		LeadID:            lead.ID,
		Direction:         leads.DirectionOperator,
		Type:              leads.TypeText,
		Content:           text,
		ProviderMessageID: providerID,
	}
	if err := s.persist.DoContext(ctx, func(ctx context.Context) error {
		_, err := s.store.AppendMessage(ctx, &msg)
		return err
	}); err != nil {
		return nil, err
	}
	lead.State = s.machine.HumanTookOver(lead.Identifier, lead.State)
	lead.LastHumanMessageAt = &now
	if err := s.persist.DoContext(ctx, func(ctx context.Context) error { return s.store.UpdateLead(ctx, lead) }); err != nil {
		return nil, err
	}
	metrics.Record(s.obs, metrics.EventOperatorMessage, 1, map[string]string{"component": "conversation"})
	s.logger.Info("operator_message_recorded", "contact", redact.Identifier(identifier), "state", string(lead.State))
	return lead, nil
}

// IsQuestion reports text that needs grounding: at least three words and either a
// question mark or a leading interrogative.
func IsQuestion(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '?' && r != '\''
	})
	if len(words) < 3 {
		return false
	}
	if strings.Contains(text, "?") {
		return true
	}
	first := strings.Trim(words[0], "?")
	if interrogatives[first] {
		return true
	}
	// Two-word openers such as "o que" and "por que".
	return interrogatives[first+" "+strings.Trim(words[1], "?")]
}

var interrogatives = map[string]bool{
	"what": true, "how": true, "when": true, "where": true, "why": true, "who": true,
	"which": true, "can": true, "could": true, "do": true, "does": true, "is": true,
	"are": true, "will": true, "should": true,
	"como": true, "quando": true, "onde": true, "quem": true, "qual": true, "quais": true,
	"quanto": true, "quanta": true, "quantos": true, "quantas": true, "posso": true,
	"pode": true, "porque": true, "o que": true, "por que": true, "por quê": true,
}

func extractionHistory(history []leads.Message, current string) []llm.Message {
	msgs := chatHistory(history)
	return append(msgs, llm.User(current))
}

// chatHistory maps stored messages to chat roles. Operator messages read as the
// office speaking, so they take the assistant role.
func chatHistory(history []leads.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Direction == leads.DirectionInbound {
			out = append(out, llm.User(m.Content))
		} else {
			out = append(out, llm.Assistant(m.Content))
		}
	}
	return out
}

func tail(msgs []leads.Message, n int) []leads.Message {
	if len(msgs) <= n {
		out := make([]leads.Message, len(msgs))
		copy(out, msgs)
		return out
	}
	out := make([]leads.Message, n)
	copy(out, msgs[len(msgs)-n:])
	return out
}

package intake

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jurisflow/intake/pkg/configutil"
	"github.com/jurisflow/intake/pkg/conversation"
	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/handoff"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/redact"
	"github.com/jurisflow/intake/pkg/store"
	"github.com/jurisflow/intake/pkg/transports"
	"github.com/jurisflow/intake/pkg/turn"
)

const (
	statusAudioAutoReply = "audio auto-reply"
	statusOperator       = "operator message recorded"
	statusIgnored        = "ignored"
	maxOperatorBody      = 64 << 10
	leadMessagesLimit    = 50
)

// Outcome summarizes what the engine did with one webhook event.
type Outcome struct {
	Status  string `json:"status"`
	Reply   string `json:"reply,omitempty"`
	State   string `json:"state,omitempty"`
	Handoff bool   `json:"handoff,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// webhookPather is implemented by transports that choose their own webhook route.
type webhookPather interface {
	WebhookPath() string
}

// ackWriter lets a transport answer the provider in its own format.
type ackWriter interface {
	WriteAck(w http.ResponseWriter)
}

func (e *Engine) webhookPath() string {
	if wp, ok := e.transport.(webhookPather); ok && wp.WebhookPath() != "" {
		return wp.WebhookPath()
	}
	return "/webhooks/" + e.transport.Name()
}

func (e *Engine) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+e.webhookPath(), e.handleWebhook)
	mux.Handle("POST /api/operator/messages", e.requireToken(http.HandlerFunc(e.handleOperatorMessage)))
	mux.Handle("GET /api/leads", e.requireToken(http.HandlerFunc(e.handleListLeads)))
	mux.Handle("GET /api/leads/{identifier}", e.requireToken(http.HandlerFunc(e.handleGetLead)))
	mux.Handle("GET /api/security-logs", e.requireToken(http.HandlerFunc(e.handleSecurityLogs)))
	mux.HandleFunc("GET /health", e.handleHealth)
	if e.prom != nil {
		mux.Handle("GET /metrics", e.prom.Handler())
	}
	feed := e.cfg.Server.FeedPath
	if feed == "" {
		feed = "/ws"
	}
	mux.Handle(feed, e.requireToken(e.hub))
	return mux
}

func (e *Engine) requireToken(next http.Handler) http.Handler {
	token := strings.TrimSpace(e.cfg.Server.APIToken)
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (e *Engine) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := e.transport.Normalize(r)
	if err != nil {
		reason := errorsx.Reason(err)
		e.logger.Warn("webhook_rejected", "error", err, "reason_code", reason)
		if reason == errorsx.ReasonTransportInvalidSignature {
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), configutil.DurationMS(e.cfg.Server.TurnTimeoutMS, 45*time.Second))
	defer cancel()
	out := e.HandleEvent(ctx, ev)

	if ack, ok := e.transport.(ackWriter); ok {
		ack.WriteAck(w)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleEvent routes a normalized webhook event. Contact messages run a full turn,
// operator messages are recorded, everything else is acknowledged and dropped.
func (e *Engine) HandleEvent(ctx context.Context, ev transports.Event) Outcome {
	switch v := ev.(type) {
	case *transports.Inbound:
		return e.handleInbound(ctx, v)
	case *transports.OperatorMessage:
		if err := e.recordOperator(ctx, v.Identifier, v.Text, v.ProviderMessageID); err != nil {
			return Outcome{Status: statusIgnored, Reason: string(errorsx.Reason(err))}
		}
		return Outcome{Status: statusOperator, State: string(turn.StateAwaitingHuman)}
	case *transports.Ignored:
		e.logger.Debug("webhook_ignored", "reason", v.Reason, "provider_message_id", v.ProviderMessageID)
		return Outcome{Status: statusIgnored, Reason: v.Reason}
	default:
		return Outcome{Status: statusIgnored, Reason: "unknown event " + transports.Kind(ev)}
	}
}

func (e *Engine) handleInbound(ctx context.Context, in *transports.Inbound) Outcome {
	text := in.Text
	admitted := false
	if in.Type == leads.TypeAudio {
		// Gate on the raw delivery so a redelivered voice note is never transcribed twice.
		if !e.gate.Admit(ctx, in.Identifier, in.Text, in.ProviderMessageID) {
			return Outcome{Status: conversation.StatusDuplicate}
		}
		admitted = true
		transcript, ok := e.transcribe(ctx, in)
		if !ok {
			return e.audioAutoReply(ctx, in)
		}
		text = transcript
	}

	res := e.service.ProcessInboundMessage(ctx, conversation.Inbound{
		Identifier:        in.Identifier,
		Text:              text,
		DisplayName:       in.DisplayName,
		Type:              in.Type,
		ProviderMessageID: in.ProviderMessageID,
		Admitted:          admitted,
	}, nil)
	if res.Ignored {
		return Outcome{Status: res.Status}
	}

	if res.ReplyText != "" {
		e.send(ctx, in.Identifier, res.ReplyText)
	}
	e.publishTurn(in, text, res)
	e.notifyAfterTurn(ctx, in, text, res)

	out := Outcome{Status: res.Status, Reply: res.ReplyText, Handoff: res.Handoff, Reason: res.Reason}
	if res.Context != nil {
		out.State = string(res.Context.State)
	}
	return out
}

// transcribe turns a voice note into text. ok is false when no transcriber is
// configured or the audio could not be fetched or understood.
func (e *Engine) transcribe(ctx context.Context, in *transports.Inbound) (string, bool) {
	if e.transcriber == nil || in.Media == nil {
		return "", false
	}
	fetcher, ok := e.transport.(transports.MediaFetcher)
	if !ok {
		return "", false
	}
	log := e.logger.With("contact", redact.Identifier(in.Identifier))
	data, err := fetcher.FetchMedia(ctx, *in.Media)
	if err != nil {
		log.Warn("audio_fetch_failed", "error", err, "reason_code", errorsx.Reason(err))
		return "", false
	}
	start := e.now()
	tr, err := e.transcriber.Transcribe(ctx, bytes.NewReader(data), in.Media.ContentType)
	if err != nil || strings.TrimSpace(tr.Text) == "" {
		log.Warn("transcription_failed", "error", err, "reason_code", errorsx.Reason(errorsx.Wrap(err, errorsx.ReasonTranscribe)))
		return "", false
	}
	metrics.Record(e.asyncObs, metrics.EventTranscription, float64(e.now().Sub(start).Milliseconds()), map[string]string{
		"component": "engine",
		"provider":  e.transcriber.Name(),
	})
	text, _ := e.normalizer.Normalize(tr.Text)
	log.Info("audio_transcribed", "confidence", tr.Confidence, "chars", len([]rune(text)))
	return text, true
}

// audioAutoReply answers a voice note that could not be transcribed. The state
// machine is not involved; the dedup gate still is.
// audioAutoReply runs after the audio delivery has passed the dedup gate.
func (e *Engine) audioAutoReply(ctx context.Context, in *transports.Inbound) Outcome {
	reply := strings.TrimSpace(e.cfg.Audio.AutoReply)
	if reply == "" {
		reply = DefaultAudioAutoReply
	}
	e.send(ctx, in.Identifier, reply)
	e.hub.Publish(handoff.FeedEvent{
		Type:       "audio",
		Identifier: in.Identifier,
		Name:       in.DisplayName,
		Text:       reply,
	})
	return Outcome{Status: statusAudioAutoReply, Reply: reply}
}

func (e *Engine) send(ctx context.Context, to, text string) {
	if err := e.transport.Send(ctx, to, text); err != nil {
		e.logger.Error("reply_send_failed",
			"contact", redact.Identifier(to),
			"error", err,
			"reason_code", errorsx.Reason(errorsx.Wrap(err, errorsx.ReasonTransportSend)),
		)
	}
}

func (e *Engine) publishTurn(in *transports.Inbound, text string, res conversation.Result) {
	state := ""
	if res.Context != nil {
		state = string(res.Context.State)
	}
	e.hub.Publish(handoff.FeedEvent{
		Type:       "inbound",
		Identifier: in.Identifier,
		Name:       in.DisplayName,
		Text:       text,
		State:      state,
	})
	e.hub.Publish(handoff.FeedEvent{
		Type:       "reply",
		Identifier: in.Identifier,
		Text:       res.ReplyText,
		Reason:     res.Reason,
		State:      state,
	})
}

// notifyAfterTurn alerts the office about keyword hits, handoffs and farewells.
func (e *Engine) notifyAfterTurn(ctx context.Context, in *transports.Inbound, text string, res conversation.Result) {
	name := in.DisplayName
	if res.Lead != nil && res.Lead.DisplayName != "" {
		name = res.Lead.DisplayName
	}
	base := handoff.Notification{
		Identifier:  in.Identifier,
		DisplayName: name,
		Message:     text,
		At:          e.now(),
	}

	notified := map[handoff.Kind]bool{}
	for _, kind := range e.detector.Detect(text) {
		note := base
		note.Kind = kind
		note.Reason = string(kind)
		e.notifier.Notify(note)
		notified[kind] = true
	}
	if res.Handoff && !notified[handoff.KindHumanRequest] {
		note := base
		note.Kind = handoff.KindHandoff
		note.Reason = res.Reason
		if res.Lead != nil {
			note.Summary = handoff.Summary(res.Lead, e.messageCount(ctx, res.Lead.ID))
		}
		e.notifier.Notify(note)
	}
	if e.cfg.Handoff.FarewellNotice && res.Lead != nil && e.filter.IsFarewell(text) {
		note := base
		note.Kind = handoff.KindFarewellSummary
		note.Reason = "conversation closed by contact"
		note.Summary = handoff.Summary(res.Lead, e.messageCount(ctx, res.Lead.ID))
		e.notifier.Notify(note)
	}
}

func (e *Engine) messageCount(ctx context.Context, leadID int64) int {
	n, err := e.store.CountMessages(ctx, leadID)
	if err != nil {
		e.logger.Warn("message_count_failed", "error", err, "reason_code", errorsx.Reason(err))
		return 0
	}
	return n
}

func (e *Engine) recordOperator(ctx context.Context, identifier, text, providerID string) error {
	l, err := e.service.RecordOperatorMessage(ctx, identifier, text, providerID)
	if err != nil {
		e.logger.Warn("operator_message_failed",
			"contact", redact.Identifier(identifier),
			"error", err,
			"reason_code", errorsx.Reason(err),
		)
		return err
	}
	e.hub.Publish(handoff.FeedEvent{
		Type:       "operator",
		Identifier: identifier,
		Name:       l.DisplayName,
		Text:       text,
		State:      string(l.State),
	})
	return nil
}

type operatorRequest struct {
	Identifier string `json:"identifier"`
	Text       string `json:"text"`
}

func (e *Engine) handleOperatorMessage(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOperatorBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	req.Text = strings.TrimSpace(req.Text)
	if req.Identifier == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "identifier and text are required")
		return
	}
	ctx := r.Context()
	if err := e.transport.Send(ctx, req.Identifier, req.Text); err != nil {
		e.logger.Error("operator_send_failed", "contact", redact.Identifier(req.Identifier), "error", err)
		writeError(w, http.StatusBadGateway, "send failed")
		return
	}
	if err := e.recordOperator(ctx, req.Identifier, req.Text, "op-"+uuid.NewString()); err != nil {
		writeError(w, http.StatusInternalServerError, "message sent but not recorded")
		return
	}
	l, err := e.store.GetLeadByIdentifier(ctx, req.Identifier)
	if err != nil || l == nil {
		writeJSON(w, http.StatusAccepted, Outcome{Status: statusOperator})
		return
	}
	writeJSON(w, http.StatusOK, toLeadView(l))
}

func (e *Engine) handleListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOpts{
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if v := q.Get("state"); v != "" {
		st, ok := turn.ParseState(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown state")
			return
		}
		opts.State = st
	}
	list, err := e.store.ListLeads(r.Context(), opts)
	if err != nil {
		e.logger.Error("list_leads_failed", "error", err, "reason_code", errorsx.Reason(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	out := make([]leadView, 0, len(list))
	for _, l := range list {
		out = append(out, toLeadView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": out})
}

func (e *Engine) handleGetLead(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimSpace(r.PathValue("identifier"))
	l, err := e.store.GetLeadByIdentifier(r.Context(), identifier)
	if err != nil {
		e.logger.Error("get_lead_failed", "error", err, "reason_code", errorsx.Reason(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if l == nil {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	msgs, err := e.store.RecentMessages(r.Context(), l.ID, queryInt(r.URL.Query().Get("messages"), leadMessagesLimit))
	if err != nil {
		e.logger.Warn("lead_messages_failed", "error", err, "reason_code", errorsx.Reason(err))
	}
	view := toLeadView(l)
	view.Messages = make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		view.Messages = append(view.Messages, messageView{
			Direction: string(m.Direction),
			Type:      string(m.Type),
			Content:   m.Content,
			At:        m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (e *Engine) handleSecurityLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := e.store.ListSecurityLogs(r.Context(), queryInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		e.logger.Error("list_security_logs_failed", "error", err, "reason_code", errorsx.Reason(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	out := make([]securityLogView, 0, len(logs))
	for _, l := range logs {
		out = append(out, securityLogView{
			ID:            l.ID,
			Category:      string(l.Category),
			Tier:          string(l.Tier),
			Reason:        l.Reason,
			MatchedTerms:  l.MatchedTerms,
			OriginalReply: l.OriginalReply,
			FilteredReply: l.FilteredReply,
			LeadID:        l.LeadID,
			Identifier:    l.Identifier,
			At:            l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := e.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"transport":    e.transport.Name(),
		"feed_clients": e.hub.Clients(),
		"latency":      e.latency.Snapshot(),
	})
}

type leadView struct {
	ID                 int64         `json:"id"`
	Identifier         string        `json:"identifier"`
	DisplayName        string        `json:"display_name"`
	State              string        `json:"state"`
	Fields             leads.Fields  `json:"fields"`
	Qualified          *bool         `json:"qualified"`
	Reason             string        `json:"disqualification_reason,omitempty"`
	LastHumanMessageAt *time.Time    `json:"last_human_message_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Messages           []messageView `json:"messages,omitempty"`
}

type messageView struct {
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
}

type securityLogView struct {
	ID            int64     `json:"id"`
	Category      string    `json:"category"`
	Tier          string    `json:"tier"`
	Reason        string    `json:"reason"`
	MatchedTerms  []string  `json:"matched_terms"`
	OriginalReply string    `json:"original_reply"`
	FilteredReply string    `json:"filtered_reply"`
	LeadID        int64     `json:"lead_id,omitempty"`
	Identifier    string    `json:"identifier,omitempty"`
	At            time.Time `json:"at"`
}

func toLeadView(l *leads.Lead) leadView {
	f := l.Fields
	f.NationalID = maskNationalID(f.NationalID)
	return leadView{
		ID:                 l.ID,
		Identifier:         l.Identifier,
		DisplayName:        l.DisplayName,
		State:              string(l.State),
		Fields:             f,
		Qualified:          l.Qualification.Qualified,
		Reason:             l.Qualification.Reason,
		LastHumanMessageAt: l.LastHumanMessageAt,
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
	}
}

// maskNationalID keeps the last two digits only.
func maskNationalID(v string) string {
	if v == "" {
		return ""
	}
	runes := []rune(v)
	if len(runes) <= 2 {
		return "**"
	}
	return strings.Repeat("*", len(runes)-2) + string(runes[len(runes)-2:])
}

func queryInt(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/transports"
)

// Notification is one operator alert.
type Notification struct {
	Kind        Kind
	Identifier  string
	DisplayName string
	Reason      string
	Message     string
	Summary     string
	At          time.Time
}

// Publisher receives every delivered notification, e.g. the operator feed.
type Publisher interface {
	Publish(ev FeedEvent)
}

type NotifierConfig struct {
	OperatorNumber string
	FallbackNumber string
	Location       *time.Location
	Buffer         int
	SendTimeout    time.Duration
}

// Notifier delivers alerts to the office in the background. Alerts are dropped
// when the queue is full.
type Notifier struct {
	sender  transports.Sender
	cfg     NotifierConfig
	feed    Publisher
	logger  *slog.Logger
	obs     metrics.Observer
	ch      chan Notification
	done    chan struct{}
	// mu orders sends on ch against the close in Close.
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	dropped atomic.Int64
}

func NewNotifier(sender transports.Sender, cfg NotifierConfig, feed Publisher, logger *slog.Logger, obs metrics.Observer) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	n := &Notifier{
		sender: sender,
		cfg:    cfg,
		feed:   feed,
		logger: logging.NewComponentLogger(logger, "handoff"),
		obs:    obs,
		ch:     make(chan Notification, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n
}

// Notify queues an alert and reports whether it was accepted.
func (n *Notifier) Notify(note Notification) bool {
	if n == nil {
		return false
	}
	if note.At.IsZero() {
		note.At = time.Now()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.ch <- note:
		return true
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification_dropped", "kind", string(note.Kind))
		return false
	}
}

func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Close stops accepting alerts and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.ch)
		n.mu.Unlock()
	})
	<-n.done
}

func (n *Notifier) loop() {
	defer close(n.done)
	for note := range n.ch {
		n.deliver(note)
	}
}

func (n *Notifier) deliver(note Notification) {
	if n.feed != nil {
		n.feed.Publish(FeedEvent{
			Type:       "notification",
			Kind:       string(note.Kind),
			Identifier: note.Identifier,
			Name:       note.DisplayName,
			Text:       note.Message,
			Reason:     note.Reason,
			At:         note.At,
		})
	}
	if n.sender == nil || n.cfg.OperatorNumber == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
	defer cancel()

	tags := map[string]string{"component": "handoff", "kind": string(note.Kind)}
	err := n.sender.Send(ctx, n.cfg.OperatorNumber, Format(note, n.cfg.Location))
	if err == nil {
		metrics.Record(n.obs, metrics.EventNotification, 1, tags)
		n.logger.Info("operator_notified", "kind", string(note.Kind))
		return
	}
	n.logger.Error("operator_notify_failed", "kind", string(note.Kind), "reason_code", errorsx.Reason(err), "error", err)
	if n.cfg.FallbackNumber == "" {
		return
	}
	short := fmt.Sprintf("%s\n\nContact: %s\n\n(primary number unreachable)", title(note.Kind), note.Identifier)
	if err := n.sender.Send(ctx, n.cfg.FallbackNumber, short); err != nil {
		n.logger.Error("operator_notify_fallback_failed", "kind", string(note.Kind), "error", err)
		return
	}
	metrics.Record(n.obs, metrics.EventNotification, 1, tags)
}

func title(k Kind) string {
	switch k {
	case KindHumanRequest:
		return "🚨 *HUMAN SUPPORT REQUESTED*"
	case KindProgressInquiry:
		return "⚠️ *CLIENT ASKING ABOUT CASE PROGRESS*"
	case KindScamReport:
		return "🚨 *SCAM ATTEMPT REPORTED*"
	case KindNonStandardCase:
		return "📋 *NON-STANDARD CASE*"
	case KindFarewellSummary:
		return "📊 *CONVERSATION SUMMARY*"
	default:
		return "🔔 *CONVERSATION HANDED OFF*"
	}
}

// Format renders the WhatsApp text sent to the operator.
func Format(note Notification, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	name := note.DisplayName
	if name == "" {
		name = "unidentified contact"
	}
	var b strings.Builder
	b.WriteString(title(note.Kind))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "👤 *Contact:* %s\n", name)
	fmt.Fprintf(&b, "📱 *Phone:* https://wa.me/%s\n", strings.TrimPrefix(note.Identifier, "+"))
	if note.Reason != "" {
		fmt.Fprintf(&b, "\n📋 *Reason:* %s\n", note.Reason)
	}
	if note.Message != "" {
		fmt.Fprintf(&b, "\n💬 *Last message:*\n\"%s\"\n", note.Message)
	}
	if note.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", note.Summary)
	}
	fmt.Fprintf(&b, "\n⏰ %s\n\n---\n_Automatic intake notification_", note.At.In(loc).Format("02/01/2006 15:04"))
	return b.String()
}

// Summary renders the lead fields collected so far.
func Summary(l *leads.Lead, messages int) string {
	if l == nil {
		return ""
	}
	var b strings.Builder
	status := "not qualified"
	if l.IsQualified() {
		status = "qualified"
	} else if l.Qualification.Reason != "" {
		status = "not qualified (" + l.Qualification.Reason + ")"
	}
	fmt.Fprintf(&b, "✅ *Status:* %s\n", status)
	line := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&b, "• %s: %s\n", label, v)
		}
	}
	f := l.Fields
	line("Institution", f.Institution)
	line("Loan type", f.LoanType)
	if f.InstallmentAmount != nil {
		line("Installment", fmt.Sprintf("R$ %.2f", *f.InstallmentAmount))
	}
	if f.InstallmentCount != nil {
		line("Installments", fmt.Sprintf("%d", *f.InstallmentCount))
	}
	line("Contract period", f.ContractPeriod)
	line("Email", f.Email)
	line("Birth date", f.BirthDate)
	fmt.Fprintf(&b, "• Messages exchanged: %d", messages)
	return b.String()
}

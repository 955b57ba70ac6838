package store

import (
	"context"
	"testing"
	"time"

	"github.com/jurisflow/intake/pkg/knowledge"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/safety"
	"github.com/jurisflow/intake/pkg/turn"
)

// newTestStore creates an in-memory store with a deterministic clock.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	base := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStoreCreatesTables(t *testing.T) {
	s := newTestStore(t)
	for _, table := range []string{"leads", "messages", "security_logs", "knowledge", "knowledge_fts"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q not found: %v", table, err)
		}
	}
}

func TestEnsureLead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l, created, err := s.EnsureLead(ctx, "5511988887777", "New Lead")
	if err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	if l.DisplayName != "" || l.State != turn.StateInitial || l.Qualification.Qualified != nil {
		t.Fatalf("unexpected new lead: %+v", l)
	}
	again, created, err := s.EnsureLead(ctx, "5511988887777", "Maria")
	if err != nil || created || again.ID != l.ID {
		t.Fatalf("second ensure must return the same lead: %+v created=%v err=%v", again, created, err)
	}
	missing, err := s.GetLeadByIdentifier(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown identifier")
	}
}

func TestUpdateLeadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l, _, _ := s.EnsureLead(ctx, "5511900000001", "")

	amount, count := 450.5, 84
	ok := true
	human := time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)
	l.DisplayName = "Maria Silva"
	l.Fields = leads.Fields{Institution: "Bank X", LoanType: "payroll", InstallmentAmount: &amount, InstallmentCount: &count, Email: "m@x.com"}
	l.Qualification = leads.Qualification{Qualified: &ok}
	l.State = turn.StateAwaitingHuman
	l.LastHumanMessageAt = &human
	if err := s.UpdateLead(ctx, l); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetLead(ctx, l.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Maria Silva" || got.Fields.Institution != "Bank X" || *got.Fields.InstallmentAmount != 450.5 || *got.Fields.InstallmentCount != 84 {
		t.Fatalf("fields not persisted: %+v", got)
	}
	if !got.IsQualified() || got.State != turn.StateAwaitingHuman || got.LastHumanMessageAt == nil || !got.LastHumanMessageAt.Equal(human) {
		t.Fatalf("state not persisted: %+v", got)
	}

	got.LastHumanMessageAt = nil
	got.Fields.InstallmentAmount = nil
	got.State = turn.StateActive
	if err := s.UpdateLead(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.GetLead(ctx, l.ID)
	if again.LastHumanMessageAt != nil || again.Fields.InstallmentAmount != nil {
		t.Fatalf("expected cleared columns, got %+v", again)
	}

	list, err := s.ListLeads(ctx, ListOpts{State: turn.StateAwaitingHuman})
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no awaiting leads after update, got %d", len(list))
	}
	list, _ = s.ListLeads(ctx, ListOpts{State: turn.StateActive})
	if len(list) != 1 || list[0].ID != l.ID {
		t.Fatalf("expected the lead under ACTIVE")
	}
}

func TestMessagesOrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l, _, _ := s.EnsureLead(ctx, "5511900000002", "")
	for i := 0; i < 12; i++ {
		dir := leads.DirectionInbound
		if i%2 == 1 {
			dir = leads.DirectionOutbound
		}
		if _, err := s.AppendMessage(ctx, &leads.Message{LeadID: l.ID, Direction: dir, Content: string(rune('a' + i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.AppendMessage(ctx, &leads.Message{LeadID: l.ID, Direction: leads.DirectionOperator, Content: "op"}); err != nil {
		t.Fatalf("append operator: %v", err)
	}

	msgs, err := s.RecentMessages(ctx, l.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 10 || msgs[0].Content != "d" || msgs[9].Content != "op" {
		t.Fatalf("unexpected window: first=%q last=%q len=%d", msgs[0].Content, msgs[len(msgs)-1].Content, len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
	n, err := s.CountMessages(ctx, l.ID)
	if err != nil || n != 12 {
		t.Fatalf("expected 12 exchanges, got %d (%v)", n, err)
	}
}

func TestSecurityLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	entry := safety.SecurityLogEntry{
		OriginalReply: "you have the right",
		FilteredReply: "deflection",
		Category:      safety.CategoryBannedPhrase,
		Tier:          safety.TierHigh,
		MatchedTerms:  []string{"you have the right", "guaranteed"},
		Identifier:    "5511",
	}
	if err := s.AppendSecurityLog(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	logs, err := s.ListSecurityLogs(ctx, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("list: %v %d", err, len(logs))
	}
	if logs[0].Category != safety.CategoryBannedPhrase || len(logs[0].MatchedTerms) != 2 || logs[0].LeadID != 0 {
		t.Fatalf("unexpected entry: %+v", logs[0])
	}
}

func TestKnowledgeSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	snippets := []knowledge.Snippet{
		{Topic: "Office address", Category: "office", Content: "Our office is at Av. Paulista, São Paulo.", Keywords: []string{"endereço", "address"}, Priority: 10, Active: true},
		{Topic: "RMC card", Category: "loans", Content: "The credit reserve card (RMC) discounts a minimum payment.", Keywords: []string{"rmc", "cartão"}, Priority: 5, Active: true},
		{Topic: "Retired", Category: "loans", Content: "RMC old text", Active: false},
	}
	for _, sn := range snippets {
		if _, err := s.UpsertKnowledge(ctx, sn); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := s.SearchKnowledge(ctx, "what is an RMC card?", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].Topic != "RMC card" {
		t.Fatalf("unexpected results: %+v", got)
	}
	got, _ = s.SearchKnowledge(ctx, "qual o endereco?", 5)
	if len(got) != 1 || got[0].Topic != "Office address" {
		t.Fatalf("expected diacritic-insensitive match, got %+v", got)
	}

	snippets[0].Content = "Moved: still on Av. Paulista."
	id1, _ := s.UpsertKnowledge(ctx, snippets[0])
	id2, _ := s.UpsertKnowledge(ctx, snippets[0])
	if id1 != id2 {
		t.Fatalf("upsert by topic must keep the id")
	}
	got, _ = s.SearchKnowledge(ctx, "moved", 5)
	if len(got) != 1 {
		t.Fatalf("expected index to follow updates, got %+v", got)
	}
	if got, _ := s.SearchKnowledge(ctx, "?? a", 5); len(got) != 0 {
		t.Fatalf("short tokens produce no query")
	}
}

func TestFTSQuery(t *testing.T) {
	if got := ftsQuery("What is RMC? rmc, ok"); got != `"what" OR "rmc"` {
		t.Fatalf("unexpected query %q", got)
	}
}

func TestMessagesWithinOneSecondKeepTimeOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l, _, _ := s.EnsureLead(ctx, "5511900000009", "")
	base := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	stamps := []time.Time{base.Add(500 * time.Millisecond), base, base.Add(time.Second)}
	for i, at := range stamps {
		if _, err := s.AppendMessage(ctx, &leads.Message{LeadID: l.ID, Direction: leads.DirectionInbound, Content: string(rune('a' + i)), CreatedAt: at}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := s.RecentMessages(ctx, l.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	got := ""
	for _, m := range msgs {
		got += m.Content
	}
	if got != "bac" {
		t.Fatalf("expected chronological order bac, got %q", got)
	}
	if !msgs[1].CreatedAt.Equal(stamps[0]) {
		t.Fatalf("timestamp did not round-trip: %v", msgs[1].CreatedAt)
	}
}

package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jurisflow/intake/pkg/leads"
)

// Persona describes the assistant and the office it speaks for.
type Persona struct {
	AssistantName string `mapstructure:"assistant_name"`
	AttorneyName  string `mapstructure:"attorney_name"`
	Practice      string `mapstructure:"practice"`
	OfficeAddress string `mapstructure:"office_address"`
	Language      string `mapstructure:"language"`
	// Instructions are appended verbatim after the built-in rules.
	Instructions string `mapstructure:"instructions"`
}

func (p Persona) withDefaults() Persona {
	if p.AssistantName == "" {
		p.AssistantName = "the intake assistant"
	}
	if p.AttorneyName == "" {
		p.AttorneyName = "the attorney"
	}
	if p.Practice == "" {
		p.Practice = "consumer law (payroll-deduction loans and RMC/RCC credit cards)"
	}
	if p.Language == "" {
		p.Language = "the same language the contact writes in"
	}
	return p
}

// Greeting picks the time-of-day salutation.
func Greeting(now time.Time) string {
	switch h := now.Hour(); {
	case h >= 5 && h < 12:
		return "Good morning"
	case h >= 12 && h < 18:
		return "Good afternoon"
	default:
		return "Good evening"
	}
}

// IsBirthday reports whether birthDate (YYYY-MM-DD or DD/MM/YYYY) falls on now's day.
func IsBirthday(birthDate string, now time.Time) bool {
	birthDate = strings.TrimSpace(birthDate)
	if birthDate == "" {
		return false
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, birthDate); err == nil {
			return t.Month() == now.Month() && t.Day() == now.Day()
		}
	}
	return false
}

type promptInput struct {
	lead      *leads.Lead
	firstTurn bool
	knowledge string
	now       time.Time
}

func buildSystemPrompt(p Persona, in promptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the WhatsApp intake assistant for %s, a lawyer practicing %s.\n", p.AssistantName, p.AttorneyName, p.Practice)
	b.WriteString("You collect the contact's case details and explain how the office works. You never give legal advice, never promise outcomes, and never say who is at fault.\n")
	fmt.Fprintf(&b, "Reply in %s. Keep replies short and friendly, like a WhatsApp message.\n", p.Language)
	if p.OfficeAddress != "" {
		fmt.Fprintf(&b, "\nOFFICE ADDRESS (the only correct one): %s\n", p.OfficeAddress)
	}

	b.WriteString("\n")
	b.WriteString(greetingNote(p, in))

	b.WriteString("\nKNOWLEDGE BASE:\n")
	if in.knowledge == "" {
		b.WriteString("(nothing relevant found)\n")
	} else {
		b.WriteString(in.knowledge)
		b.WriteString("\n")
	}

	b.WriteString("\nLEAD DATA:\n")
	b.WriteString(leadJSON(in.lead))
	b.WriteString("\n")

	fmt.Fprintf(&b, `
RULES:
1. Use only information from the knowledge base above.
2. If you do not know something, say so and offer to check with %[1]s.
3. Never invent amounts, deadlines, case numbers or addresses.
4. Ask one specific question at a time when you need more details (bank, loan type, installment amount, number of installments, how long ago the contract started).
5. If the contact wants a person, tell them %[1]s will take over.
`, p.AttorneyName)
	if p.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(p.Instructions))
		b.WriteString("\n")
	}
	return b.String()
}

func greetingNote(p Persona, in promptInput) string {
	name := ""
	if in.lead != nil && !leads.IsPlaceholderName(in.lead.DisplayName) {
		name = in.lead.DisplayName
	}
	if in.lead != nil && name != "" && IsBirthday(in.lead.Fields.BirthDate, in.now) {
		return fmt.Sprintf("IMPORTANT: today is %s's birthday. Open with warm birthday wishes before anything else.\n", name)
	}
	greet := Greeting(in.now)
	if !in.firstTurn {
		if name != "" {
			return fmt.Sprintf("Returning contact: you may open with \"%s, %s!\" only if the last exchange was a while ago. Do not repeat greetings mid-conversation.\n", greet, name)
		}
		return "Ongoing conversation: do not greet again.\n"
	}
	return fmt.Sprintf(`First conversation: open with "%s!". Right after the greeting say that you are an assistant still learning, that you can make mistakes, and that writing "HUMAN SUPPORT" brings %s in. Address the contact neutrally until they give their name.
`, greet, p.AttorneyName)
}

func leadJSON(l *leads.Lead) string {
	if l == nil {
		return "{}"
	}
	view := struct {
		Name string `json:"name,omitempty"`
		leads.Fields
		Qualified *bool `json:"qualified,omitempty"`
	}{Name: l.DisplayName, Fields: l.Fields, Qualified: l.Qualification.Qualified}
	view.NationalID = ""
	b, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Package extract turns conversation history into structured lead fields.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/llm"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
)

const PurposeExtraction = "extraction"

const systemPrompt = "You extract structured data from conversations. Return ONLY valid JSON."

const instructions = `You extract structured data from WhatsApp conversations between a law office and a contact about payroll-deduction loans.

Rules:
- Return ONLY fields the contact explicitly stated in the conversation. Never infer or invent values; use null for anything not mentioned.
- loan_type: one of "payroll", "consignado", "RMC", "RCC", "card", "other" as the contact described it.
- contract_period: one of "less than 1 year", "1-3 years", "3-5 years", "more than 5 years".
- Normalize bank names (e.g. "Santander", "Banco do Brasil", "Caixa", "Bradesco").
- national_id in the format 000.000.000-00; birth_date as YYYY-MM-DD.
- confidence: 0-100, your confidence in the extraction as a whole.`

type Options struct {
	Temperature float64
	Rules       leads.Rules
	Logger      *slog.Logger
	Observer    metrics.Observer
}

// Extractor calls the text-generation collaborator with a strict schema.
type Extractor struct {
	llm    llm.Adapter
	opts   Options
	logger *slog.Logger
}

func New(adapter llm.Adapter, opts Options) *Extractor {
	if opts.Temperature <= 0 {
		opts.Temperature = 0.1
	}
	if len(opts.Rules.EligibleLoanTypes) == 0 {
		opts.Rules = leads.DefaultRules()
	}
	return &Extractor{
		llm:    adapter,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "extract"),
	}
}

// Extract never fails: any error yields leads.EmptyExtraction.
func (e *Extractor) Extract(ctx context.Context, history []llm.Message, current leads.Fields) leads.Extracted {
	if e == nil || e.llm == nil {
		return leads.EmptyExtraction()
	}
	req := llm.Request{
		Messages: []llm.Message{
			llm.System(systemPrompt),
			llm.User(buildPrompt(history, current)),
		},
		Temperature: e.opts.Temperature,
		Schema:      leadSchema(),
		Purpose:     PurposeExtraction,
	}
	resp, err := e.llm.Generate(ctx, req)
	if err != nil {
		e.fail(err)
		return leads.EmptyExtraction()
	}
	out, err := Parse(resp.Text, e.opts.Rules)
	if err != nil {
		e.fail(err)
		return leads.EmptyExtraction()
	}
	e.logger.Debug("extraction_completed",
		"confidence", out.Confidence,
		"qualified", out.Qualification.Qualified != nil && *out.Qualification.Qualified,
		"reason", out.Qualification.Reason,
	)
	metrics.Record(e.opts.Observer, metrics.EventExtraction, float64(out.Confidence), map[string]string{"component": "extract"})
	return out
}

func (e *Extractor) fail(err error) {
	e.logger.Warn("extraction_failed", "reason_code", errorsx.Reason(err), "error", err)
	metrics.Record(e.opts.Observer, metrics.EventExtractionFailed, 1, map[string]string{
		"component": "extract",
		"reason":    string(errorsx.Reason(err)),
	})
}

type rawExtraction struct {
	Name              *string  `json:"name"`
	NationalID        *string  `json:"national_id"`
	Email             *string  `json:"email"`
	BirthDate         *string  `json:"birth_date"`
	Institution       *string  `json:"institution"`
	LoanType          *string  `json:"loan_type"`
	InstallmentAmount *float64 `json:"installment_amount"`
	InstallmentCount  *float64 `json:"installment_count"`
	ContractPeriod    *string  `json:"contract_period"`
	Confidence        *float64 `json:"confidence"`
}

// Parse decodes a model response. A missing or out-of-range confidence is malformed.
func Parse(text string, rules leads.Rules) (leads.Extracted, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return leads.Extracted{}, errorsx.New(errorsx.ReasonExtractionParse, "empty extraction response")
	}
	var raw rawExtraction
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return leads.Extracted{}, errorsx.Wrapf(err, errorsx.ReasonExtractionParse, "decode extraction")
	}
	if raw.Confidence == nil || math.IsNaN(*raw.Confidence) || *raw.Confidence < 0 || *raw.Confidence > 100 {
		return leads.Extracted{}, errorsx.New(errorsx.ReasonExtractionParse, "missing or invalid confidence")
	}

	fields := leads.Fields{
		Institution:    str(raw.Institution),
		LoanType:       str(raw.LoanType),
		ContractPeriod: str(raw.ContractPeriod),
		NationalID:     str(raw.NationalID),
		Email:          str(raw.Email),
		BirthDate:      str(raw.BirthDate),
	}
	if raw.InstallmentAmount != nil && *raw.InstallmentAmount > 0 {
		v := *raw.InstallmentAmount
		fields.InstallmentAmount = &v
	}
	if raw.InstallmentCount != nil && *raw.InstallmentCount > 0 {
		v := int(math.Round(*raw.InstallmentCount))
		fields.InstallmentCount = &v
	}
	if len(rules.EligibleLoanTypes) == 0 {
		rules = leads.DefaultRules()
	}
	return leads.Extracted{
		Name:          str(raw.Name),
		Fields:        fields,
		Confidence:    int(math.Round(*raw.Confidence)),
		Qualification: rules.Determine(fields),
	}, nil
}

func str(v *string) string {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(*v)
	if strings.EqualFold(s, "null") {
		return ""
	}
	return s
}

func buildPrompt(history []llm.Message, current leads.Fields) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nCONVERSATION:\n")
	for _, m := range history {
		speaker := "Assistant"
		if m.Role == llm.RoleUser {
			speaker = "Contact"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	b.WriteString("\nCURRENT LEAD DATA:\n")
	if current.IsEmpty() {
		b.WriteString("none yet\n")
	} else if data, err := json.MarshalIndent(current, "", "  "); err == nil {
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String()
}

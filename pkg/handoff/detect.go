// Package handoff detects when a human operator is needed and notifies the office.
package handoff

import "strings"

// Kind classifies why the office is being alerted.
type Kind string

const (
	KindHumanRequest    Kind = "human_request"
	KindProgressInquiry Kind = "progress_inquiry"
	KindScamReport      Kind = "scam_report"
	KindNonStandardCase Kind = "non_standard_case"
	KindHandoff         Kind = "handoff"
	KindFarewellSummary Kind = "farewell_summary"
)

var detectOrder = []Kind{KindHumanRequest, KindProgressInquiry, KindScamReport, KindNonStandardCase}

// DefaultKeywords are matched as case-insensitive substrings of the inbound text.
func DefaultKeywords() map[Kind][]string {
	return map[Kind][]string{
		KindHumanRequest: {
			"talk to a human", "speak to a human", "human agent", "real person",
			"talk to a lawyer", "speak to a lawyer", "talk to the attorney", "schedule a consultation",
			"atendimento humano", "falar com humano", "quero humano", "falar com advogado",
			"falar com doutor", "falar com dr", "pessoa real", "não é robô",
			"quero falar com alguém", "contato do advogado", "telefone do advogado",
			"agendar consulta", "marcar horário",
		},
		KindProgressInquiry: {
			"how long", "case status", "my lawsuit", "any news on my case", "is it filed",
			"quanto tempo", "demora quanto", "já deu entrada", "andamento", "status do processo",
			"meu processo", "minha ação", "já protocolou", "já entrou com", "vai demorar",
			"tá demorando", "por que demora", "quando sai", "previsão",
		},
		KindScamReport: {
			"another number", "different number", "asking for money", "asked me to pay",
			"scam", "suspicious", "fake lawyer",
			"outro número", "outro telefone", "me ligaram", "número diferente", "outro whatsapp",
			"número estranho", "pedindo dinheiro", "pedindo pagamento", "pedir pix", "pagar boleto",
			"golpe", "suspeito", "falso advogado",
		},
		KindNonStandardCase: {
			"defective product", "credit bureau", "health plan", "labor case", "divorce",
			"child custody", "alimony", "criminal", "moral damages", "flight delay", "lost luggage",
			"produto defeituoso", "não entregaram", "negativação", "serasa", "spc", "plano de saúde",
			"telefonia", "compra online", "propaganda enganosa", "venda casada", "trabalhista",
			"demissão", "rescisão", "horas extras", "divórcio", "pensão alimentícia", "guarda dos filhos",
			"processo criminal", "boletim de ocorrência", "danos morais", "bagagem", "voo atrasado",
		},
	}
}

// DefaultReplyPhrases mark a generated reply that admits it cannot help.
var DefaultReplyPhrases = []string{
	"human agent",
	"talk to a lawyer",
	"i can't help",
	"i cannot help",
	"i'm unable to",
	"i am unable to",
	"atendimento humano",
	"falar com advogado",
	"não consigo ajudar",
	"não consigo responder",
}

// Detector holds the keyword lists.
type Detector struct {
	keywords     map[Kind][]string
	replyPhrases []string
}

// NewDetector merges overrides into the defaults; a kind present in overrides
// replaces its default list.
func NewDetector(overrides map[Kind][]string, replyPhrases []string) *Detector {
	kw := DefaultKeywords()
	for k, list := range overrides {
		if len(list) > 0 {
			kw[k] = list
		}
	}
	for k, list := range kw {
		kw[k] = lowerAll(list)
	}
	if len(replyPhrases) == 0 {
		replyPhrases = DefaultReplyPhrases
	}
	return &Detector{keywords: kw, replyPhrases: lowerAll(replyPhrases)}
}

// Detect returns every kind whose keywords appear in text.
func (d *Detector) Detect(text string) []Kind {
	lower := strings.ToLower(text)
	var out []Kind
	for _, k := range detectOrder {
		if containsAny(lower, d.keywords[k]) {
			out = append(out, k)
		}
	}
	return out
}

func (d *Detector) IsHumanRequest(text string) bool {
	return containsAny(strings.ToLower(text), d.keywords[KindHumanRequest])
}

// ReplySignalsHandoff reports a generated reply that hands the contact to a person.
func (d *Detector) ReplySignalsHandoff(reply string) bool {
	return containsAny(strings.ToLower(reply), d.replyPhrases)
}

func containsAny(lower string, list []string) bool {
	for _, kw := range list {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func lowerAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

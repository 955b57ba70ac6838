// Package leads holds the intake domain records and the deterministic rules
// applied to them: qualification and the merge of extracted fields.
package leads

import (
	"strings"
	"time"
	"unicode"

	"github.com/jurisflow/intake/pkg/turn"
)

// Fields are the structured case and personal attributes collected during intake.
// Empty strings and nil pointers mean "not known".
type Fields struct {
	Institution       string   `json:"institution,omitempty"`
	LoanType          string   `json:"loan_type,omitempty"`
	InstallmentAmount *float64 `json:"installment_amount,omitempty"`
	InstallmentCount  *int     `json:"installment_count,omitempty"`
	ContractPeriod    string   `json:"contract_period,omitempty"`
	NationalID        string   `json:"national_id,omitempty"`
	Email             string   `json:"email,omitempty"`
	BirthDate         string   `json:"birth_date,omitempty"`
}

// HasLoanData reports whether any of amount, count or period is present.
func (f Fields) HasLoanData() bool {
	return f.InstallmentAmount != nil || f.InstallmentCount != nil || strings.TrimSpace(f.ContractPeriod) != ""
}

// IsEmpty reports whether no field is set.
func (f Fields) IsEmpty() bool {
	return f.Institution == "" && f.LoanType == "" && !f.HasLoanData() &&
		f.NationalID == "" && f.Email == "" && f.BirthDate == ""
}

// Qualification is the verdict derived from a field set.
type Qualification struct {
	Qualified *bool  `json:"qualified"`
	Reason    string `json:"reason,omitempty"`
}

// Lead is one contact going through intake.
type Lead struct {
	ID                 int64
	Identifier         string
	DisplayName        string
	Fields             Fields
	Qualification      Qualification
	State              turn.State
	LastHumanMessageAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsQualified is a nil-safe read of the verdict.
func (l *Lead) IsQualified() bool {
	return l != nil && l.Qualification.Qualified != nil && *l.Qualification.Qualified
}

// Direction tells who wrote a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionOperator Direction = "operator"
)

// MessageType tags the original media kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
)

// ParseMessageType maps unknown kinds to text.
func ParseMessageType(v string) MessageType {
	switch MessageType(strings.ToLower(strings.TrimSpace(v))) {
	case TypeImage:
		return TypeImage
	case TypeAudio:
		return TypeAudio
	case TypeDocument:
		return TypeDocument
	default:
		return TypeText
	}
}

// Message is an immutable turn record.
type Message struct {
	ID                int64
	LeadID            int64
	Direction         Direction
	Type              MessageType
	Content           string
	ProviderMessageID string
	CreatedAt         time.Time
}

var placeholderNames = map[string]bool{
	"new lead":     true,
	"novo lead":    true,
	"unknown":      true,
	"desconhecido": true,
	"cliente":      true,
	"client":       true,
	"contact":      true,
	"contato":      true,
	"sem nome":     true,
	"no name":      true,
}

// IsPlaceholderName reports names that must never be stored as a display name:
// blanks, generic labels and bare phone numbers.
func IsPlaceholderName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || placeholderNames[n] {
		return true
	}
	for _, r := range n {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

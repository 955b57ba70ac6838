package leads

import "strings"

const (
	ReasonMissingLoanType    = "missing loan type"
	ReasonIneligiblePrefix   = "ineligible loan type: "
	ReasonMissingInstitution = "missing institution"
	ReasonInsufficientData   = "insufficient loan data"
	ReasonProcessingError    = "processing error"
)

// DefaultEligibleLoanTypes covers payroll-deduction loans, credit-reserve cards (RMC)
// and card-consignment cards (RCC) in English and Portuguese.
var DefaultEligibleLoanTypes = []string{
	"payroll",
	"consignado",
	"consignment",
	"credit reserve",
	"credit-reserve",
	"reserva de margem",
	"rmc",
	"rcc",
}

// Rules computes qualification verdicts.
type Rules struct {
	EligibleLoanTypes []string
}

func DefaultRules() Rules {
	return Rules{EligibleLoanTypes: DefaultEligibleLoanTypes}
}

// Determine is a pure function of f. Checks run in a fixed order: loan type,
// eligibility, institution, loan data.
func (r Rules) Determine(f Fields) Qualification {
	loanType := strings.TrimSpace(f.LoanType)
	if loanType == "" {
		return verdict(false, ReasonMissingLoanType)
	}
	if !r.eligible(loanType) {
		return verdict(false, ReasonIneligiblePrefix+loanType)
	}
	if strings.TrimSpace(f.Institution) == "" {
		return verdict(false, ReasonMissingInstitution)
	}
	if !f.HasLoanData() {
		return verdict(false, ReasonInsufficientData)
	}
	return verdict(true, "")
}

func (r Rules) eligible(loanType string) bool {
	lt := strings.ToLower(loanType)
	list := r.EligibleLoanTypes
	if len(list) == 0 {
		list = DefaultEligibleLoanTypes
	}
	for _, kw := range list {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lt, kw) {
			return true
		}
	}
	return false
}

// DetermineQualification applies the default rules.
func DetermineQualification(f Fields) Qualification {
	return DefaultRules().Determine(f)
}

func verdict(ok bool, reason string) Qualification {
	return Qualification{Qualified: &ok, Reason: reason}
}

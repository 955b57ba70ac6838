package leads

import "strings"

// DefaultNameConfidenceThreshold gates display-name overwrites.
const DefaultNameConfidenceThreshold = 50

// Extracted is the transient output of one extraction call.
type Extracted struct {
	Name          string
	Fields        Fields
	Confidence    int
	Qualification Qualification
	// Failed marks the empty result produced when the model output was unusable.
	Failed bool
}

// EmptyExtraction is returned whenever extraction cannot be trusted.
func EmptyExtraction() Extracted {
	return Extracted{
		Confidence:    0,
		Qualification: verdict(false, ReasonProcessingError),
		Failed:        true,
	}
}

type MergeOptions struct {
	NameConfidenceThreshold int
	Rules                   Rules
}

// Merged is the field set to persist after a merge.
type Merged struct {
	DisplayName   string
	Fields        Fields
	Qualification Qualification
}

// Merge folds ext into the current lead values. The display name changes only when
// confidence is strictly above the threshold; every other field takes the new value
// when present and keeps the old one otherwise. Qualification is recomputed from the
// merged fields so it always matches what is stored.
func Merge(displayName string, current Fields, ext Extracted, opts MergeOptions) Merged {
	threshold := opts.NameConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultNameConfidenceThreshold
	}
	rules := opts.Rules
	if len(rules.EligibleLoanTypes) == 0 {
		rules = DefaultRules()
	}

	name := displayName
	candidate := strings.TrimSpace(ext.Name)
	if ext.Confidence > threshold && candidate != "" && !IsPlaceholderName(candidate) {
		name = candidate
	}

	merged := Fields{
		Institution:       pickString(ext.Fields.Institution, current.Institution),
		LoanType:          pickString(ext.Fields.LoanType, current.LoanType),
		InstallmentAmount: pickFloat(ext.Fields.InstallmentAmount, current.InstallmentAmount),
		InstallmentCount:  pickInt(ext.Fields.InstallmentCount, current.InstallmentCount),
		ContractPeriod:    pickString(ext.Fields.ContractPeriod, current.ContractPeriod),
		NationalID:        pickString(ext.Fields.NationalID, current.NationalID),
		Email:             pickString(ext.Fields.Email, current.Email),
		BirthDate:         pickString(ext.Fields.BirthDate, current.BirthDate),
	}
	return Merged{
		DisplayName:   name,
		Fields:        merged,
		Qualification: rules.Determine(merged),
	}
}

// Apply writes a merge result onto the lead.
func (l *Lead) Apply(m Merged) {
	l.DisplayName = m.DisplayName
	l.Fields = m.Fields
	l.Qualification = m.Qualification
}

func pickString(next, prev string) string {
	if v := strings.TrimSpace(next); v != "" {
		return v
	}
	return prev
}

func pickFloat(next, prev *float64) *float64 {
	if next != nil {
		v := *next
		return &v
	}
	return prev
}

func pickInt(next, prev *int) *int {
	if next != nil {
		v := *next
		return &v
	}
	return prev
}

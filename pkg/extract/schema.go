package extract

import "github.com/jurisflow/intake/pkg/llm"

func nullable(kind string) map[string]any {
	return map[string]any{"type": []string{kind, "null"}}
}

// leadSchema is the strict response format sent with every extraction call.
func leadSchema() *llm.JSONSchema {
	return &llm.JSONSchema{
		Name:   "lead_data_extraction",
		Strict: true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":               nullable("string"),
				"national_id":        nullable("string"),
				"email":              nullable("string"),
				"birth_date":         nullable("string"),
				"institution":        nullable("string"),
				"loan_type":          nullable("string"),
				"installment_amount": nullable("number"),
				"installment_count":  nullable("number"),
				"contract_period":    nullable("string"),
				"confidence":         map[string]any{"type": "number"},
			},
			"required": []string{
				"name", "national_id", "email", "birth_date", "institution", "loan_type",
				"installment_amount", "installment_count", "contract_period", "confidence",
			},
			"additionalProperties": false,
		},
	}
}

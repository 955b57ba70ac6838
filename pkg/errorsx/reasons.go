package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"
	ReasonConfig  ReasonCode = "config"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"
	ReasonLLMTimeout     ReasonCode = "llm_timeout"

	ReasonExtractionParse ReasonCode = "extraction_parse"

	ReasonKnowledgeRemote ReasonCode = "knowledge_remote"
	ReasonKnowledgeLocal  ReasonCode = "knowledge_local"

	ReasonStoreRead  ReasonCode = "store_read"
	ReasonStoreWrite ReasonCode = "store_write"

	ReasonSafetyInternal ReasonCode = "safety_internal"

	ReasonTranscribe ReasonCode = "transcribe"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportPayload          ReasonCode = "webhook_payload"
	ReasonTransportSend             ReasonCode = "transport_send"
)

package metrics

// Event names emitted by the intake pipeline.
const (
	EventTurnCompleted        = "turn_completed"
	EventDedupDropped         = "dedup_dropped"
	EventDedupSwept           = "dedup_swept"
	EventSafetyRejected       = "safety_rejected"
	EventHallucinationBlocked = "hallucination_blocked"
	EventDisclaimerAppended   = "disclaimer_appended"
	EventHandoff              = "handoff"
	EventAutoResume           = "auto_resume"
	EventExtraction           = "extraction"
	EventExtractionFailed     = "extraction_failed"
	EventKnowledgeFallback    = "knowledge_fallback"
	EventKnowledgeEmpty       = "knowledge_empty"
	EventLLMLatency           = "llm_latency_ms"
	EventLLMFallback          = "llm_fallback"
	EventPersistFailed        = "persist_failed"
	EventTranscription        = "transcription"
	EventOperatorMessage      = "operator_message"
	EventNotification         = "operator_notification"

	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

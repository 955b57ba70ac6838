package intake

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jurisflow/intake/pkg/transports/twilio"
)

const sampleConfig = `
log_level: debug
transports:
  provider: twilio
  settings:
    account_sid: ${TEST_TWILIO_SID}
    auth_token: ${TEST_TWILIO_TOKEN}
    from: "+15550001111"
vendors:
  llm:
    provider: mock
    settings:
      response_text: "Olá!"
conversation:
  resume_after: 90s
  extraction_every: 2
  persona:
    attorney_name: Dr. Silva
handoff:
  operator_number: ${TEST_OPERATOR}
  keywords:
    scam_report: ["golpe"]
dedup:
  backend: memory
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("TEST_TWILIO_SID", "AC123")
	t.Setenv("TEST_TWILIO_TOKEN", "tok")
	t.Setenv("TEST_OPERATOR", "+5511900000000")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transports.Settings["account_sid"] != "AC123" || cfg.Handoff.OperatorNumber != "+5511900000000" {
		t.Fatalf("expected env expansion, got %+v / %q", cfg.Transports.Settings, cfg.Handoff.OperatorNumber)
	}
	if cfg.Conversation.ResumeAfter != 90*time.Second || cfg.Conversation.ExtractionEvery != 2 {
		t.Fatalf("unexpected conversation config: %+v", cfg.Conversation)
	}
	if cfg.Conversation.Persona.AttorneyName != "Dr. Silva" {
		t.Fatalf("expected persona override, got %+v", cfg.Conversation.Persona)
	}
	if cfg.Server.Addr != ":8080" || cfg.Dedup.WindowMS != 60000 || cfg.Dedup.SweepIntervalMS != 30000 {
		t.Fatalf("expected defaults, got server=%+v dedup=%+v", cfg.Server, cfg.Dedup)
	}
	if !cfg.Privacy.RedactPII || cfg.Limiter.MaxChars != 1200 || cfg.Audio.AutoReply == "" {
		t.Fatalf("expected ambient defaults, got %+v", cfg)
	}
	if got := cfg.Handoff.Keywords["scam_report"]; len(got) != 1 || got[0] != "golpe" {
		t.Fatalf("expected keyword override, got %v", got)
	}
}

func TestLoadConfigRejectsUnknownDedupBackend(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "dedup:\n  backend: memcached\n"))
	if err == nil || !strings.Contains(err.Error(), "dedup.backend") {
		t.Fatalf("expected dedup backend error, got %v", err)
	}
	_, err = LoadConfig(writeConfig(t, "dedup:\n  backend: redis\n"))
	if err == nil || !strings.Contains(err.Error(), "dedup.redis.addr") {
		t.Fatalf("expected redis addr error, got %v", err)
	}
}

func TestRegistryBuildsProviders(t *testing.T) {
	reg := DefaultProviders()
	cfg := Config{}

	if tr, err := reg.BuildTranscriber("none", cfg); err != nil || tr != nil {
		t.Fatalf("expected no transcriber, got %v %v", tr, err)
	}
	if _, err := reg.BuildTranscriber("whisper", cfg); err == nil {
		t.Fatalf("expected unknown stt provider error")
	}
	if _, err := reg.BuildLLM("mock", cfg, nil); err != nil {
		t.Fatalf("mock llm: %v", err)
	}
	if _, err := reg.BuildLLM("openai", cfg, nil); err == nil || !strings.Contains(err.Error(), "vendors.llm.settings") {
		t.Fatalf("expected openai settings error, got %v", err)
	}

	cfg.Transports.Settings = map[string]any{"account_sid": "AC1", "auth_token": "t", "from": "+15550001111", "public_url": "https://intake.example.com"}
	tr, err := reg.BuildTransport("twilio", cfg, nil)
	if err != nil {
		t.Fatalf("twilio: %v", err)
	}
	if _, ok := tr.(*twilio.Transport); !ok {
		t.Fatalf("expected twilio transport, got %T", tr)
	}
	if _, err := reg.BuildTransport("telegram", cfg, nil); err == nil {
		t.Fatalf("expected unsupported transport error")
	}

	cfg.Transports.Settings = map[string]any{"instance_id": "i1"}
	if _, err := reg.BuildTransport("zapi", cfg, nil); err == nil {
		t.Fatalf("expected missing zapi token error")
	}
}

package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/jurisflow/intake/pkg/adapters/stt"
	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/logging"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey      string
	Model       string
	Language    string
	SmartFormat bool
}

// streamFunc submits prerecorded audio and returns the raw SDK response.
type streamFunc func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error)

// Transcriber transcribes WhatsApp voice notes through Deepgram's prerecorded API.
type Transcriber struct {
	cfg    Config
	stream streamFunc
	logger *slog.Logger
}

func New(cfg Config) *Transcriber {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "pt-BR"
	}
	c := client.NewREST(cfg.APIKey, &interfaces.ClientOptions{})
	dg := api.New(c)
	return &Transcriber{
		cfg: cfg,
		stream: func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (any, error) {
			res, err := dg.FromStream(ctx, src, opts)
			if err != nil {
				return nil, err
			}
			return res, nil
		},
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_transcriber"),
	}
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) Transcribe(ctx context.Context, audio io.Reader, contentType string) (stt.Transcript, error) {
	if audio == nil {
		return stt.Transcript{}, errorsx.New(errorsx.ReasonTranscribe, "no audio")
	}
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       t.cfg.Model,
		Language:    t.cfg.Language,
		SmartFormat: t.cfg.SmartFormat,
		Punctuate:   true,
	}
	t.logger.Debug("deepgram_transcribe_start", "model", t.cfg.Model, "content_type", contentType)
	res, err := t.stream(ctx, audio, opts)
	if err != nil {
		return stt.Transcript{}, errorsx.Wrapf(err, errorsx.ReasonTranscribe, "deepgram prerecorded")
	}
	tr, err := parseTranscript(res)
	if err != nil {
		return stt.Transcript{}, errorsx.Wrap(err, errorsx.ReasonTranscribe)
	}
	if tr.Language == "" {
		tr.Language = t.cfg.Language
	}
	t.logger.Debug("deepgram_transcribe_done", "chars", len(tr.Text), "confidence", tr.Confidence)
	return tr, nil
}

type prerecordedPayload struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseTranscript reads the first alternative of the first channel via the JSON shape of the response.
func parseTranscript(res any) (stt.Transcript, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return stt.Transcript{}, err
	}
	var payload prerecordedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return stt.Transcript{}, err
	}
	if len(payload.Results.Channels) == 0 || len(payload.Results.Channels[0].Alternatives) == 0 {
		return stt.Transcript{}, errors.New("empty transcription result")
	}
	ch := payload.Results.Channels[0]
	alt := ch.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return stt.Transcript{}, errors.New("blank transcript")
	}
	return stt.Transcript{Text: text, Confidence: alt.Confidence, Language: ch.DetectedLanguage}, nil
}

// Package gemini implements proctor.Transcriber on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/core/audio"
	"github.com/vango-go/proctor/pkg/core/proctor"
)

const DefaultModel = "gemini-2.0-flash"

const prompt = "Transcribe the speech in this audio verbatim. " +
	"Reply with the transcript only. If there is no intelligible speech, reply with an empty message."

// generator is the slice of *genai.Models the transcriber uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Transcriber struct {
	models generator
	model  string
}

type Options struct {
	APIKey string
	Model  string

	// BaseURL overrides the API endpoint.
	BaseURL    string
	HTTPClient *http.Client
}

func New(ctx context.Context, opts Options) (*Transcriber, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(opts.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newTranscriber(client.Models, opts.Model), nil
}

func newTranscriber(models generator, model string) *Transcriber {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Transcriber{models: models, model: strings.TrimSpace(model)}
}

// Transcribe returns the spoken text of one audio chunk. Silence yields "".
func (t *Transcriber) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	data, mimeType = audio.Uploadable(data, mimeType)
	if mimeType == "" {
		mimeType = "audio/webm"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(data, mimeType),
		}, genai.RoleUser),
	}
	resp, err := t.models.GenerateContent(ctx, t.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", core.NewCapabilityError(proctor.CapabilityTranscriber, err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Text()), nil
}

var _ proctor.Transcriber = (*Transcriber)(nil)

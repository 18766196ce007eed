// Package cartesia implements proctor.Transcriber on Cartesia's batch
// speech-to-text endpoint.
package cartesia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/core/audio"
	"github.com/vango-go/proctor/pkg/core/proctor"
)

const (
	defaultBaseURL = "https://api.cartesia.ai"
	apiVersion     = "2025-04-16"
	defaultModel   = "ink-whisper"
)

type Transcriber struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

func New(apiKey, baseURL string, httpClient *http.Client) *Transcriber {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Transcriber{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      defaultModel,
		language:   "en",
		httpClient: httpClient,
	}
}

func (t *Transcriber) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	data, mimeType = audio.Uploadable(data, mimeType)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "chunk."+extension(mimeType))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("language", t.language); err != nil {
		return "", fmt.Errorf("write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/stt", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Cartesia-Version", apiVersion)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", core.NewCapabilityError(proctor.CapabilityTranscriber, fmt.Errorf("cartesia request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return "", core.NewCapabilityError(proctor.CapabilityTranscriber,
			fmt.Errorf("cartesia error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", core.NewCapabilityError(proctor.CapabilityTranscriber, fmt.Errorf("parse response: %w", err))
	}
	return strings.TrimSpace(decoded.Text), nil
}

// extension picks a file name suffix Cartesia recognizes for mimeType.
func extension(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	switch sub := strings.TrimPrefix(strings.TrimSpace(base), "audio/"); sub {
	case "wav", "mp3", "webm", "ogg", "flac", "m4a", "mp4", "mpeg":
		return sub
	case "x-wav", "wave":
		return "wav"
	default:
		return "wav"
	}
}

var _ proctor.Transcriber = (*Transcriber)(nil)

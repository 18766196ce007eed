// Package inference talks to the perception sidecar: a small HTTP service that
// runs the face mesh, object detector and face-embedding models.
//
//	POST /v1/faces   {"frame_b64"}                   -> {"face_count","faces":[[{"x","y"}...]]}
//	POST /v1/objects {"frame_b64"}                   -> {"objects":[{"class_name","confidence","box"}]}
//	POST /v1/verify  {"reference_path","frame_b64"}  -> {"matched","distance","error"}
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/proctor/pkg/core"
	"github.com/vango-go/proctor/pkg/core/proctor"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Faces adapts the client to proctor.FaceGeometryProvider.
func (c *Client) Faces() proctor.FaceGeometryProvider { return faces{c} }

// Objects adapts the client to proctor.ObjectDetector.
func (c *Client) Objects() proctor.ObjectDetector { return objects{c} }

type faces struct{ c *Client }

func (f faces) Detect(ctx context.Context, frame []byte) (proctor.FaceDetection, error) {
	var decoded struct {
		FaceCount int               `json:"face_count"`
		Faces     [][]proctor.Point `json:"faces"`
	}
	if err := f.c.post(ctx, "/v1/faces", proctor.CapabilityFaceGeometry, frameRequest(frame, ""), &decoded); err != nil {
		return proctor.FaceDetection{}, err
	}
	out := proctor.FaceDetection{FaceCount: decoded.FaceCount}
	for _, pts := range decoded.Faces {
		out.Faces = append(out.Faces, proctor.Landmarks(pts))
	}
	if out.FaceCount < len(out.Faces) {
		out.FaceCount = len(out.Faces)
	}
	return out, nil
}

type objects struct{ c *Client }

func (o objects) Detect(ctx context.Context, frame []byte) ([]proctor.ObjectBox, error) {
	var decoded struct {
		Objects []struct {
			ClassName  string     `json:"class_name"`
			Confidence float64    `json:"confidence"`
			Box        [4]float64 `json:"box"`
		} `json:"objects"`
	}
	if err := o.c.post(ctx, "/v1/objects", proctor.CapabilityObjects, frameRequest(frame, ""), &decoded); err != nil {
		return nil, err
	}
	out := make([]proctor.ObjectBox, 0, len(decoded.Objects))
	for _, b := range decoded.Objects {
		out = append(out, proctor.ObjectBox{ClassName: b.ClassName, Confidence: b.Confidence, Box: b.Box})
	}
	return out, nil
}

// Verify implements proctor.IdentityVerifier. A sidecar-side failure such as
// "no face in frame" comes back as VerificationResult.Error, not as an error.
func (c *Client) Verify(ctx context.Context, referencePath string, frame []byte) (proctor.VerificationResult, error) {
	var decoded struct {
		Matched  bool    `json:"matched"`
		Distance float64 `json:"distance"`
		Error    string  `json:"error"`
	}
	if err := c.post(ctx, "/v1/verify", proctor.CapabilityIdentity, frameRequest(frame, referencePath), &decoded); err != nil {
		return proctor.VerificationResult{}, err
	}
	return proctor.VerificationResult{Matched: decoded.Matched, Distance: decoded.Distance, Error: decoded.Error}, nil
}

func frameRequest(frame []byte, referencePath string) map[string]any {
	body := map[string]any{"frame_b64": base64.StdEncoding.EncodeToString(frame)}
	if referencePath != "" {
		body["reference_path"] = referencePath
	}
	return body
}

func (c *Client) post(ctx context.Context, path, capability string, body any, out any) error {
	if !c.Configured() {
		return core.NewCapabilityError(capability, fmt.Errorf("inference url is not configured"))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.NewCapabilityError(capability, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return core.NewCapabilityError(capability, fmt.Errorf("sidecar error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewCapabilityError(capability, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var _ proctor.IdentityVerifier = (*Client)(nil)

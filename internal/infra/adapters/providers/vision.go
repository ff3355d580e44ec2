package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/infra/metrics"
)

// VisionAdapter drives both the quality-check and metadata-generation
// operations over an OpenAI-compatible chat completions endpoint with image
// content, the same request shape for both so one provider credential covers
// them.
type VisionAdapter struct {
	apiKey string
	base   string // e.g. https://api.openai.com/v1
	model  string
	client *http.Client
	enc    *tiktoken.Tiktoken
}

var (
	_ adapter.QualityChecker    = (*VisionAdapter)(nil)
	_ adapter.MetadataGenerator = (*VisionAdapter)(nil)
)

func NewVisionAdapter(apiKey, baseURL, model string, timeout time.Duration) (*VisionAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("vision api key empty")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// Token counting is best-effort accounting; cl100k covers the 4o family
	// closely enough for metrics.
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("tiktoken: %w", err)
	}
	return &VisionAdapter{
		apiKey: apiKey,
		base:   strings.TrimRight(baseURL, "/"),
		model:  model,
		client: &http.Client{Timeout: timeout},
		enc:    enc,
	}, nil
}

func (v *VisionAdapter) Name() string { return "vision" }

const qcSystemPrompt = `You are an image quality reviewer. Reply with exactly one line:
"APPROVED" if the image is acceptable, or "REJECTED: <short reason>" if not.`

// Check asks the vision judge for a verdict. A rejection is a judgment, not
// an error: only transport-level failures return a non-nil error.
func (v *VisionAdapter) Check(ctx context.Context, imagePath string, qc adapter.QCContext) (adapter.Verdict, error) {
	prompt := fmt.Sprintf("The image was generated from this prompt: %q.", qc.Prompt)
	if qc.Guidance != "" {
		prompt += " Additional review criteria: " + qc.Guidance
	}

	reply, err := v.chatWithImage(ctx, "qc", qcSystemPrompt, prompt, imagePath)
	if err != nil {
		return adapter.Verdict{}, err
	}

	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(strings.ToUpper(reply), "APPROVED") {
		return adapter.Verdict{Approved: true}, nil
	}
	reason := strings.TrimSpace(strings.TrimPrefix(reply, "REJECTED:"))
	if reason == "" {
		reason = reply
	}
	return adapter.Verdict{Approved: false, Reason: reason}, nil
}

const metadataSystemPrompt = `You write stock-photo metadata. Reply with a single JSON object
{"title": "...", "description": "...", "tags": ["...", ...]} and nothing else.`

func (v *VisionAdapter) Generate(ctx context.Context, imagePath string, mc adapter.MetadataContext) (model.ImageMetadata, error) {
	prompt := fmt.Sprintf("The image was generated from this prompt: %q. Produce metadata for it.", mc.Prompt)
	if mc.Guidance != "" {
		prompt += " Style guidance: " + mc.Guidance
	}

	reply, err := v.chatWithImage(ctx, "metadata", metadataSystemPrompt, prompt, imagePath)
	if err != nil {
		return model.ImageMetadata{}, err
	}

	var md model.ImageMetadata
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &md); err != nil {
		return model.ImageMetadata{}, adapter.NewProviderError(adapter.ErrKindRequest, v.Name(),
			fmt.Sprintf("unparseable metadata reply: %.120s", reply), err)
	}
	return md, nil
}

type chatContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

func (v *VisionAdapter) chatWithImage(ctx context.Context, op, system, prompt, imagePath string) (string, error) {
	dataURL, err := encodeImage(imagePath)
	if err != nil {
		return "", normalizeTransport(v.Name(), op, err)
	}

	metrics.AddPromptTokens(v.Name(), op, len(v.enc.Encode(system+prompt, nil, nil)))

	img := &struct {
		URL string `json:"url"`
	}{URL: dataURL}
	reqBody := struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}{
		Model: v.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: img},
			}},
		},
	}

	b, _ := json.Marshal(reqBody)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, v.base+"/chat/completions", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	start := time.Now()
	resp, err := v.client.Do(req)
	metrics.ObserveProviderCall(v.Name(), op, time.Since(start).Milliseconds(), err == nil)
	if err != nil {
		return "", normalizeTransport(v.Name(), op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", normalizeHTTPStatus(v.Name(), op, resp.StatusCode, string(body))
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", normalizeTransport(v.Name(), op, err)
	}
	for _, c := range payload.Choices {
		if c.Message.Content != "" {
			return c.Message.Content, nil
		}
	}
	return "", adapter.NewProviderError(adapter.ErrKindRequest, v.Name(), "no choice content", nil)
}

func encodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".webp":
		mime = "image/webp"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

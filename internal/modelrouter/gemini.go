package modelrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
)

// GeminiProvider calls the Gemini generateContent REST endpoint directly,
// with exponential backoff on transient statuses.
type GeminiProvider struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func NewGeminiProvider(logger *zap.Logger, timeout time.Duration) *GeminiProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeminiProvider{
		endpoint:   "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent",
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("modelrouter.gemini"),
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Generate(ctx context.Context, model string, req schemas.ModelRequest) (string, schemas.ModelUsage, error) {
	apiKey := getCredential(config.EnvGeminiKey)
	if apiKey == "" {
		return "", schemas.ModelUsage{}, fmt.Errorf("gemini API key is not set")
	}

	body, err := json.Marshal(p.buildPayload(req))
	if err != nil {
		return "", schemas.ModelUsage{}, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 90 * time.Second
	b.MaxInterval = 20 * time.Second

	var content string
	var usage schemas.ModelUsage

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf(p.endpoint, model), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", apiKey)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			p.logger.Warn("Network error during Gemini request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return p.handleAPIError(resp.StatusCode, respBody)
		}

		var payload geminiResponsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		candidate := payload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (reason: %s)", candidate.FinishReason)
		}

		content = candidate.Content.Parts[0].Text
		usage = schemas.ModelUsage{
			InputTokens:  payload.UsageMetadata.PromptTokenCount,
			OutputTokens: payload.UsageMetadata.CandidatesTokenCount,
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", schemas.ModelUsage{}, err
	}
	return content, usage, nil
}

func (p *GeminiProvider) buildPayload(req schemas.ModelRequest) geminiRequestPayload {
	parts := []geminiPart{}
	if len(req.ImagePNG) > 0 {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(req.ImagePNG),
		}})
	}
	parts = append(parts, geminiPart{Text: req.Prompt})

	payload := geminiRequestPayload{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: 2048,
		},
	}
	if req.ForceJSON {
		payload.GenerationConfig.ResponseMimeType = "application/json"
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return payload
}

func (p *GeminiProvider) handleAPIError(statusCode int, body []byte) error {
	p.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d", statusCode)
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}

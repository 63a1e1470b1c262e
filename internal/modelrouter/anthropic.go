package modelrouter

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
)

// AnthropicProvider adapts the Anthropic messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

func NewAnthropicProvider(timeout time.Duration) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(getCredential(config.EnvAnthropicKey)),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, model string, req schemas.ModelRequest) (string, schemas.ModelUsage, error) {
	var blocks []anthropic.ContentBlockParamUnion
	if len(req.ImagePNG) > 0 {
		blocks = append(blocks, anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(req.ImagePNG)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Prompt))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}
	if sys := systemPrompt(req); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", schemas.ModelUsage{}, fmt.Errorf("anthropic API error: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	usage := schemas.ModelUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	return content, usage, nil
}

// systemPrompt folds the JSON-only instruction into the system prompt;
// forcing structured output through provider-specific response formats is
// not portable across the chain.
func systemPrompt(req schemas.ModelRequest) string {
	sys := req.SystemPrompt
	if req.ForceJSON {
		if sys != "" {
			sys += "\n\n"
		}
		sys += "Respond with a single valid JSON object and nothing else."
	}
	return sys
}

func getCredential(env string) string {
	return os.Getenv(env)
}

package modelrouter

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
)

// OpenAIProvider adapts the OpenAI chat completions API.
type OpenAIProvider struct {
	client openai.Client
}

func NewOpenAIProvider(timeout time.Duration) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(getCredential(config.EnvOpenAIKey)),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, model string, req schemas.ModelRequest) (string, schemas.ModelUsage, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if sys := systemPrompt(req); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}

	if len(req.ImagePNG) > 0 {
		dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)
		messages = append(messages, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.Prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURI}),
		}))
	} else {
		messages = append(messages, openai.UserMessage(req.Prompt))
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(2048),
	})
	if err != nil {
		return "", schemas.ModelUsage{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", schemas.ModelUsage{}, fmt.Errorf("openai returned no choices")
	}

	usage := schemas.ModelUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

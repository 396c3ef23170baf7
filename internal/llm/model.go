// Package llm adapts langchaingo providers to the generation and embedding
// interfaces the pipeline uses.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/evidraft/internal/config"
	"github.com/raphaelgruber/evidraft/internal/metrics"
	"github.com/raphaelgruber/evidraft/internal/models"
)

// Model is the external generation service.
type Model struct {
	llm       llms.Model
	modelName string
	metrics   *metrics.Collector
}

// NewModel creates a generation model based on configuration.
func NewModel(ctx context.Context, cfg config.Config, collector *metrics.Collector) (*Model, error) {
	var (
		model llms.Model
		err   error
	)

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
			ollama.WithFormat("json"),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return &Model{llm: model, modelName: cfg.LLMModel, metrics: collector}, nil
}

// NewModelFromLLM wraps an existing langchaingo model.
func NewModelFromLLM(model llms.Model, name string, collector *metrics.Collector) *Model {
	return &Model{llm: model, modelName: name, metrics: collector}
}

// Model returns the model name.
func (m *Model) Model() string {
	return m.modelName
}

// Generate sends one structured generation request. Provider errors that no
// retry can fix are wrapped with ErrFatalAPI.
func (m *Model) Generate(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	userPrompt := fmt.Sprintf(`Context (JSON):
%s

Respond with a single JSON object matching this schema and nothing else:
%s`, req.StructuredContext, req.OutputSchema)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemInstructions),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages, llms.WithJSONMode(), llms.WithTemperature(0.2))
	duration := time.Since(start)

	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordTiming(metrics.OpLLMGenerate, duration)
		}
		slog.Warn("generation failed", "model", m.modelName, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("generate: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		if m.metrics != nil {
			m.metrics.RecordTiming(metrics.OpLLMGenerate, duration)
		}
		return nil, fmt.Errorf("generate: no response choices")
	}

	choice := response.Choices[0]
	usage := usageFromInfo(choice.GenerationInfo)
	usage.Model = m.modelName
	if m.metrics != nil {
		m.metrics.RecordLLMUsage(metrics.OpLLMGenerate, duration, usage.InputTokens, usage.OutputTokens)
	}

	slog.Debug("generation complete", "model", m.modelName,
		"duration_ms", duration.Milliseconds(),
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)

	return &models.GenerationResponse{StructuredOutput: choice.Content, Usage: usage}, nil
}

// usageFromInfo reads token counts from provider-specific generation info.
func usageFromInfo(info map[string]any) models.UsageMetadata {
	var u models.UsageMetadata
	u.InputTokens = firstInt(info, "PromptTokens", "InputTokens", "input_tokens", "prompt_tokens")
	u.OutputTokens = firstInt(info, "CompletionTokens", "OutputTokens", "output_tokens", "completion_tokens")
	return u
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}

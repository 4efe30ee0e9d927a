package enrich

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
	"github.com/sells-group/vocab-cli/pkg/anthropic"
)

// Prompt is one request to the text-generation service. System is the
// stage instruction shared by every chunk; User carries the chunk payload.
type Prompt struct {
	Stage  model.Stage
	System string
	User   string
}

// Generator is the external text-generation service.
type Generator interface {
	Generate(ctx context.Context, modelID string, prompt Prompt) (string, error)
}

// AnthropicGenerator implements Generator on top of the Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	limiter   *rate.Limiter
	maxTokens int64
}

// NewAnthropicGenerator wraps client. requestsPerSecond <= 0 disables the
// limiter.
func NewAnthropicGenerator(client anthropic.Client, maxTokens int64, requestsPerSecond float64) *AnthropicGenerator {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = max(1, int(requestsPerSecond))
	}
	return &AnthropicGenerator{
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		maxTokens: maxTokens,
	}
}

// Generate sends the prompt and returns the concatenated text response.
func (g *AnthropicGenerator) Generate(ctx context.Context, modelID string, prompt Prompt) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "enrich: rate limiter")
	}

	req := anthropic.MessageRequest{
		Model:     modelID,
		MaxTokens: g.maxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt.User}},
	}
	if prompt.System != "" {
		req.System = anthropic.BuildCachedSystemBlocks(prompt.System)
	}

	resp, err := g.client.CreateMessage(ctx, req)
	if err != nil {
		return "", err
	}
	resp.Usage.LogCost(modelID, string(prompt.Stage))

	if resp.StopReason == "max_tokens" {
		zap.L().Warn("enrich: response truncated at max tokens",
			zap.String("model", modelID),
			zap.String("stage", string(prompt.Stage)),
			zap.Int64("max_tokens", g.maxTokens),
		)
		return "", resilience.NewTransientError(eris.New("enrich: response truncated"), 0)
	}

	return resp.Text(), nil
}

package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
	"github.com/sells-group/vocab-cli/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func TestAnthropicGenerator_Generate(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 4096 &&
			len(req.System) == 1 &&
			req.System[0].Text == "classify" &&
			req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 &&
			req.Messages[0].Role == "user" &&
			req.Messages[0].Content == `Input: [{"word":"banco"}]`
	})).Return(&anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: `[{"word":"banco","tags":[]}]`}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 120, OutputTokens: 12},
	}, nil)

	gen := NewAnthropicGenerator(mc, 4096, 0)
	text, err := gen.Generate(context.Background(), "claude-haiku-4-5-20251001", Prompt{
		Stage:  model.StageClassify,
		System: "classify",
		User:   `Input: [{"word":"banco"}]`,
	})

	require.NoError(t, err)
	assert.Equal(t, `[{"word":"banco","tags":[]}]`, text)
	mc.AssertExpectations(t)
}

func TestAnthropicGenerator_NoSystemBlock(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.System) == 0 && req.MaxTokens == 8192
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "[]"}},
	}, nil)

	gen := NewAnthropicGenerator(mc, 0, 5)
	text, err := gen.Generate(context.Background(), "m", Prompt{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "[]", text)
}

func TestAnthropicGenerator_PropagatesError(t *testing.T) {
	mc := new(mockClient)
	rl := resilience.NewRateLimitError(errors.New("429"), 0)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, rl)

	gen := NewAnthropicGenerator(mc, 1024, 0)
	_, err := gen.Generate(context.Background(), "m", Prompt{User: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimit(err))
}

func TestAnthropicGenerator_TruncatedResponseIsTransient(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(&anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: `[{"word":"ban`}},
		StopReason: "max_tokens",
	}, nil)

	gen := NewAnthropicGenerator(mc, 16, 0)
	_, err := gen.Generate(context.Background(), "m", Prompt{Stage: model.StageTranslate, User: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestAnthropicGenerator_LimiterHonoursContext(t *testing.T) {
	mc := new(mockClient)
	gen := NewAnthropicGenerator(mc, 16, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Drain the single burst token so Wait has to block on the cancelled ctx.
	gen.limiter.Allow()
	_, err := gen.Generate(ctx, "m", Prompt{User: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
	mc.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

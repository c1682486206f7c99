package ai

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

// ChainGenerator streams replies from a chat model behind a prompt template.
type ChainGenerator struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewChainGenerator compiles the prompt + model chain.
func NewChainGenerator(ctx context.Context, chatModel model.BaseChatModel) (*ChainGenerator, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile chat chain")
	}

	return &ChainGenerator{chain: runnable}, nil
}

// Stream runs the chain in streaming mode with the agent's temperature.
func (g *ChainGenerator) Stream(ctx context.Context, a agent.Agent, history []chat.Message) (*schema.StreamReader[*schema.Message], error) {
	earlier, query := splitQuery(history)
	input := map[string]any{
		"system":  BuildSystemPrompt(a),
		"history": buildHistoryMessages(earlier),
		"query":   query,
	}

	temperature := float32(a.Temperature)
	stream, err := g.chain.Stream(ctx, input, compose.WithChatModelOption(model.WithTemperature(temperature)))
	if err != nil {
		return nil, errors.Wrap(err, "stream chat chain")
	}

	log.Debug().Str("component", "ai").Str("agent_id", a.ID).Int("history", len(earlier)).Msg("chat chain streaming")
	return stream, nil
}

package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

// historyLimit bounds how many earlier turns are replayed to the model.
const historyLimit = 10

// BuildSystemPrompt derives the system prompt from the agent configuration.
// The description is the agent's instruction text.
func BuildSystemPrompt(a agent.Agent) string {
	description := strings.TrimSpace(a.Description)
	name := strings.TrimSpace(a.Name)

	switch {
	case description == "" && name == "":
		return "You are a helpful assistant. Answer in Markdown."
	case description == "":
		return fmt.Sprintf("You are %s, a helpful assistant. Answer in Markdown.", name)
	case name == "":
		return description
	default:
		return fmt.Sprintf("You are %s.\n\n%s", name, description)
	}
}

// splitQuery separates the newest user message from the turns before it.
func splitQuery(messages []chat.Message) ([]chat.Message, string) {
	if n := len(messages); n > 0 && messages[n-1].Role == chat.RoleUser {
		return messages[:n-1], messages[n-1].Content
	}
	return messages, ""
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}

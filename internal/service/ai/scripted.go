package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

// ScriptedGenerator replays canned chunks with a fixed delay between them.
// It backs the mock models so the system runs without model credentials.
type ScriptedGenerator struct {
	Script func(question string) []string
	Delay  time.Duration
}

// NewMarkdownDemo answers every question with a markdown sample that
// exercises headings, lists, emphasis, inline code and a fenced block.
func NewMarkdownDemo(delay time.Duration) *ScriptedGenerator {
	return &ScriptedGenerator{Script: markdownDemo, Delay: delay}
}

// NewEcho streams the question back word by word.
func NewEcho(delay time.Duration) *ScriptedGenerator {
	return &ScriptedGenerator{Script: echo, Delay: delay}
}

func (g *ScriptedGenerator) Stream(ctx context.Context, _ agent.Agent, history []chat.Message) (*schema.StreamReader[*schema.Message], error) {
	_, question := splitQuery(history)
	if question == "" {
		question = "(no question)"
	}
	parts := g.Script(question)

	sr, sw := schema.Pipe[*schema.Message](len(parts))
	go func() {
		defer sw.Close()
		for i, part := range parts {
			if i > 0 && g.Delay > 0 {
				select {
				case <-ctx.Done():
					sw.Send(nil, ctx.Err())
					return
				case <-time.After(g.Delay):
				}
			}
			if closed := sw.Send(schema.AssistantMessage(part, nil), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func markdownDemo(question string) []string {
	return []string{
		"## Simulated answer (streaming demo)\n\n",
		fmt.Sprintf("You asked: **%s**.\n\n", question),
		"Some Markdown samples follow:\n\n",
		"1. Lists\n",
		"2. **Bold text**\n",
		"3. `inline code`\n\n",
		"```go\n",
		"func hello() {\n",
		"\tfmt.Println(\"Hello from the fake stream\")\n",
		"}\n",
		"```\n\n",
		"This is demo data; configure a real model to get real answers.\n",
	}
}

func echo(question string) []string {
	return strings.SplitAfter(question, " ")
}

package main

import (
	"fmt"
	"io"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/agentchat/internal/render"
	"github.com/zhouzirui/z-tavern/agentchat/internal/service/session"
)

const clearScreen = "\033[H\033[2J"

// printer turns engine snapshots into terminal output. Deltas of the reply
// are written as they arrive; once the stream ends the reply is printed
// again through the renderer unless the renderer is nil.
type printer struct {
	out      io.Writer
	renderer render.Renderer
	live     bool

	replyIndex   int
	printed      int
	wasStreaming bool
	lastErr      error
}

func newPrinter(out io.Writer, renderer render.Renderer, live bool) *printer {
	return &printer{out: out, renderer: renderer, live: live, replyIndex: -1}
}

func (p *printer) update(st session.State) {
	if st.IsStreaming {
		if idx := currentReply(st.Messages); idx != p.replyIndex {
			if idx < 0 && p.replyIndex >= 0 && !p.live {
				fmt.Fprintln(p.out)
			}
			p.replyIndex, p.printed = idx, 0
		}
		p.writeReply(st.Messages, true)
	} else if p.wasStreaming {
		p.finish(st.Messages)
	}
	p.wasStreaming = st.IsStreaming

	if st.LastError != nil && st.LastError != p.lastErr {
		fmt.Fprintf(p.out, "error: %s\n", st.ErrorMessage())
	}
	p.lastErr = st.LastError
}

func (p *printer) writeReply(messages []chat.Message, streaming bool) {
	if p.replyIndex < 0 || p.replyIndex >= len(messages) {
		return
	}
	content := messages[p.replyIndex].Content
	if len(content) == p.printed {
		return
	}

	if p.live {
		fmt.Fprint(p.out, clearScreen, p.render(content, streaming))
	} else {
		fmt.Fprint(p.out, content[p.printed:])
	}
	p.printed = len(content)
}

func (p *printer) finish(messages []chat.Message) {
	defer func() { p.replyIndex, p.printed = -1, 0 }()

	if idx := currentReply(messages); idx >= 0 {
		p.replyIndex = idx
	}
	if p.replyIndex < 0 || p.replyIndex >= len(messages) {
		return
	}
	content := messages[p.replyIndex].Content

	if p.live {
		fmt.Fprintln(p.out, clearScreen+p.render(content, false))
		return
	}
	fmt.Fprintln(p.out, content[min(p.printed, len(content)):])
	if p.renderer != nil {
		fmt.Fprintln(p.out, render.Markdown(p.renderer, content, false))
	}
}

func (p *printer) render(content string, streaming bool) string {
	if p.renderer == nil {
		return render.Repair(content, streaming)
	}
	return render.Markdown(p.renderer, content, streaming)
}

// currentReply is the index of the assistant message answering the newest
// user message, or -1 while none has arrived.
func currentReply(messages []chat.Message) int {
	n := len(messages)
	if n >= 2 && messages[n-1].Role == chat.RoleAssistant && messages[n-2].Role == chat.RoleUser {
		return n - 1
	}
	return -1
}

package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown into formatted output.
type Renderer interface {
	Render(markdown string) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(markdown string) (string, error)

func (f RendererFunc) Render(markdown string) (string, error) { return f(markdown) }

// Markdown renders content with r, repairing it first while streaming. A
// renderer error or panic degrades to escaped plain text, so the caller
// always gets displayable output.
func Markdown(r Renderer, content string, streaming bool) (out string) {
	if content == "" {
		return ""
	}

	defer func() {
		if p := recover(); p != nil {
			log.Warn().Str("component", "render").Interface("panic", p).Msg("markdown renderer panicked, falling back to escaped text")
			out = EscapeFallback(content)
		}
	}()

	rendered, err := r.Render(Repair(content, streaming))
	if err != nil {
		log.Warn().Err(err).Str("component", "render").Msg("markdown render failed, falling back to escaped text")
		return EscapeFallback(content)
	}
	return rendered
}

var fallbackEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
	"\n", "<br>",
)

// EscapeFallback HTML-escapes raw text and turns newlines into line breaks.
func EscapeFallback(content string) string {
	return fallbackEscaper.Replace(content)
}

// HTMLRenderer renders markdown to HTML with goldmark: GFM, linkified URLs,
// typographic punctuation, hard line breaks and raw HTML passthrough.
type HTMLRenderer struct {
	md goldmark.Markdown
}

// NewHTMLRenderer builds the HTML renderer.
func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, extension.Typographer),
			goldmark.WithRendererOptions(html.WithHardWraps(), html.WithUnsafe()),
		),
	}
}

func (r *HTMLRenderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return buf.String(), nil
}

// TerminalRenderer renders markdown for ANSI terminals with glamour.
type TerminalRenderer struct {
	tr *glamour.TermRenderer
}

// NewTerminalRenderer builds a terminal renderer wrapping at width columns.
func NewTerminalRenderer(width int) (*TerminalRenderer, error) {
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("create terminal renderer: %w", err)
	}
	return &TerminalRenderer{tr: tr}, nil
}

func (r *TerminalRenderer) Render(markdown string) (string, error) {
	return r.tr.Render(markdown)
}

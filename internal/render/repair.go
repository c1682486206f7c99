// Package render turns accumulated markdown into displayable output. While a
// reply is still streaming, the buffer is first repaired so an unmatched
// emphasis or fence cannot swallow the rest of the document.
package render

import (
	"regexp"
	"strings"
)

const (
	strongMarker = "**"
	fenceMarker  = "```"
	inlineCode   = "`"
)

var fencedBlock = regexp.MustCompile("(?s)```.*?```")

// Repair returns a display-only variant of content with dangling strong
// emphasis, code fences and inline code spans closed. It never alters the
// caller's buffer and is the identity when streaming is false.
//
// The tail adjustments are heuristic: a literal "**" that really ends a
// sentence can be under- or over-closed.
func Repair(content string, streaming bool) string {
	if !streaming || content == "" {
		return content
	}

	fixed := content

	if strings.Count(fixed, strongMarker)%2 != 0 {
		switch {
		case !strings.HasSuffix(fixed, "*"):
			fixed += strongMarker
		case !strings.HasSuffix(fixed, strongMarker):
			fixed += "*"
		}
	}

	if strings.Count(fixed, fenceMarker)%2 != 0 {
		switch {
		case !strings.HasSuffix(fixed, inlineCode):
			fixed += "\n" + fenceMarker
		case !strings.HasSuffix(fixed, "``"):
			fixed += inlineCode
		case !strings.HasSuffix(fixed, fenceMarker):
			fixed += inlineCode
		}
	}

	outsideFences := fencedBlock.ReplaceAllString(fixed, "")
	if strings.Count(outsideFences, inlineCode)%2 != 0 && !strings.HasSuffix(fixed, inlineCode) {
		fixed += inlineCode
	}

	return fixed
}

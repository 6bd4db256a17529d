// ABOUTME: Turns bot reply text into sentence-like chunks suitable for synthesis
// ABOUTME: Markdown is flattened to plain text first so markup is never spoken

package voice

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// Plaintext flattens markdown to the text a voice should actually speak:
// emphasis markers, link targets, and code fences are stripped, block
// boundaries become line breaks.
func Plaintext(markdown string) string {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(gtext.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.(type) {
			case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.Blockquote:
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// SpeechChunks splits markdown text into sentence-like chunks on terminal
// punctuation. Each chunk is synthesized and played separately so playback
// can start before the whole reply is converted.
func SpeechChunks(markdown string) []string {
	plain := Plaintext(markdown)
	if plain == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	runes := []rune(plain)
	for i, r := range runes {
		switch r {
		case '\n':
			flush()
		case '.', '!', '?':
			current.WriteRune(r)
			// Only split at a sentence boundary, not inside "3.14".
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return chunks
}

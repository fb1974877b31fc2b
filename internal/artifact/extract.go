// Package artifact finds fenced code regions in message text and promotes
// large ones to artifacts shown in a side panel.
package artifact

import (
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// DefaultLanguage is used for fences without an info string.
const DefaultLanguage = "text"

// Region is one closed fenced code block.
type Region struct {
	Code      string
	Language  string
	LineCount int
}

var (
	parserInstance goldmark.Markdown
	parserOnce     sync.Once
)

func markdownParser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return parserInstance
}

// Extract returns every closed fenced code region in source, in document
// order. A fence still open at the end of the text is not reported.
func Extract(source string) []Region {
	if !strings.Contains(source, "```") && !strings.Contains(source, "~~~") {
		return nil
	}
	src := []byte(source)
	doc := markdownParser().Parser().Parse(text.NewReader(src))

	var regions []Region
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Kind() != ast.KindFencedCodeBlock {
			return ast.WalkContinue, nil
		}
		block := node.(*ast.FencedCodeBlock)
		lines := block.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		last := lines.At(lines.Len() - 1)
		if !closedAfter(src, last.Stop) {
			return ast.WalkSkipChildren, nil
		}

		var code strings.Builder
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			code.Write(seg.Value(src))
		}
		regions = append(regions, Region{
			Code:      strings.TrimRight(code.String(), "\n"),
			Language:  canonicalLanguage(string(block.Language(src))),
			LineCount: lines.Len(),
		})
		return ast.WalkSkipChildren, nil
	})
	return regions
}

// closedAfter reports whether the line starting at offset is a closing fence.
func closedAfter(src []byte, offset int) bool {
	if offset >= len(src) {
		return false
	}
	rest := src[offset:]
	if i := strings.IndexByte(string(rest), '\n'); i >= 0 {
		rest = rest[:i]
	}
	line := strings.TrimSpace(string(rest))
	if len(line) < 3 {
		return false
	}
	fence := line[0]
	if fence != '`' && fence != '~' {
		return false
	}
	return strings.Trim(line, string(fence)) == ""
}

// canonicalLanguage maps aliases such as "py" or "golang" onto chroma's
// lexer names.
func canonicalLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || lang == DefaultLanguage {
		return DefaultLanguage
	}
	if lexer := lexers.Get(lang); lexer != nil {
		if cfg := lexer.Config(); cfg != nil && cfg.Name != "" {
			return strings.ToLower(cfg.Name)
		}
	}
	return lang
}

// Tracker reports each closed region of a growing text once. It is reset
// for every new text.
type Tracker struct {
	seen int
}

// Feed returns the regions that became complete since the previous call.
func (t *Tracker) Feed(visible string) []Region {
	regions := Extract(visible)
	if len(regions) <= t.seen {
		return nil
	}
	fresh := regions[t.seen:]
	t.seen = len(regions)
	return fresh
}

// Reset forgets previously reported regions.
func (t *Tracker) Reset() {
	t.seen = 0
}

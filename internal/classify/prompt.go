package classify

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Prompt-likeness bounds.
const (
	MinPromptChars = 12
	MaxPromptChars = 4000
	minWords       = 3
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\b(sk|pk|rk)-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`\bxox[abpr]-[A-Za-z0-9\-]{10,}`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}`),
	regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|token)\s*[:=]\s*\S{6,}`),
	regexp.MustCompile(`\b[A-Fa-f0-9]{40,}\b`),
}

var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*(func|def|class|import|package|const|let|var|return|public|private|#include)\b`),
	regexp.MustCompile(`(?m)[;{}]\s*$`),
	regexp.MustCompile(`=>|:=|==|!=|&&|\|\|`),
	regexp.MustCompile(`(?m)^\s*[<\[]?/?[a-zA-Z]+[^\s]*>\s*$`),
}

// A lone regular expression: anchored, or bracketed at both ends.
var regexLike = regexp.MustCompile(`^(\^.*|[\[\(\\].*[\]\)])\$?$|^.*\$$`)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// CodeShare returns the fraction of bytes in markdown code blocks.
func CodeShare(s string) float64 {
	if s == "" {
		return 0
	}
	src := []byte(s)
	doc := md.Parser().Parse(text.NewReader(src))
	code := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				code += seg.Len()
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return float64(code) / float64(len(src))
}

// LooksLikeSecret reports whether s contains something credential-shaped.
func LooksLikeSecret(s string) bool {
	for _, re := range secretPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// LooksLikeCode reports whether s reads as source code or a regex rather
// than prose.
func LooksLikeCode(s string) bool {
	if CodeShare(s) > 0.5 {
		return true
	}
	trimmed := strings.TrimSpace(s)
	lines := strings.Split(trimmed, "\n")
	if len(lines) == 1 && !strings.Contains(trimmed, " ") && regexLike.MatchString(trimmed) {
		return true
	}
	hits := 0
	for _, re := range codePatterns {
		hits += len(re.FindAllStringIndex(s, -1))
	}
	// One stray "==" in a sentence is fine; dense syntax is not.
	return hits >= 2 && float64(hits) >= float64(len(lines))*0.5
}

// LooksLikePrompt applies the prompt ruleset: length bounds, enough
// natural-language words, and neither code nor secrets. The reason names
// the rule that rejected s.
func LooksLikePrompt(s string) (ok bool, reason string) {
	s = strings.TrimSpace(s)
	n := len([]rune(s))
	switch {
	case n < MinPromptChars:
		return false, "too_short"
	case n > MaxPromptChars:
		return false, "too_long"
	case LooksLikeSecret(s):
		return false, "secret"
	case LooksLikeCode(s):
		return false, "code"
	}

	words, alpha := 0, 0
	for _, w := range strings.Fields(s) {
		words++
		letters := 0
		for _, r := range w {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		if letters*2 >= len([]rune(w)) {
			alpha++
		}
	}
	if words < minWords {
		return false, "too_few_words"
	}
	if float64(alpha)/float64(words) < 0.6 {
		return false, "not_prose"
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "/") && !strings.Contains(s, " ") {
		return false, "path_or_url"
	}
	return true, ""
}

// Package ingest turns raw artifacts into chunks, anchors, and source
// claims: parse by MIME, NFC-normalize, chunk with overlap, attach
// relocatable anchors, and extract verbatim claim quotes.
package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Parser extracts normalized text from one MIME family.
type Parser interface {
	// Parse returns plain text. Implementations must be deterministic.
	Parse(data []byte) (string, error)
	// MimeTypes lists the types this parser claims.
	MimeTypes() []string
}

// Registry routes content to parsers by MIME type. Unknown types fall
// back to plaintext extraction so ingest never hard-fails on MIME alone.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry creates a registry preloaded with the built-in parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(&HTMLParser{})
	r.Register(&PlainTextParser{})
	r.Register(&MarkdownParser{})
	return r
}

// Register claims the parser's MIME types, replacing earlier claims.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mt := range p.MimeTypes() {
		r.parsers[strings.ToLower(mt)] = p
	}
}

// Parse dispatches by MIME type. mimeType may carry parameters
// ("text/html; charset=utf-8"). Unregistered types use the plaintext
// fallback; the caller records that in source_meta.
func (r *Registry) Parse(mimeType string, data []byte) (text string, fellBack bool, err error) {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))

	r.mu.RLock()
	p, ok := r.parsers[mt]
	r.mu.RUnlock()

	if !ok {
		text, err := (&PlainTextParser{}).Parse(data)
		return text, true, err
	}
	text, err = p.Parse(data)
	if err != nil {
		return "", false, fmt.Errorf("ingest: parser for %s failed: %w", mt, err)
	}
	return text, false, nil
}

// PlainTextParser passes text through after normalization.
type PlainTextParser struct{}

func (p *PlainTextParser) MimeTypes() []string { return []string{"text/plain"} }

func (p *PlainTextParser) Parse(data []byte) (string, error) {
	return Normalize(string(data)), nil
}

// MarkdownParser keeps markdown as-is; downstream consumers read the
// markup. Normalization still applies.
type MarkdownParser struct{}

func (p *MarkdownParser) MimeTypes() []string { return []string{"text/markdown"} }

func (p *MarkdownParser) Parse(data []byte) (string, error) {
	return Normalize(string(data)), nil
}

var (
	htmlDropRE   = regexp.MustCompile(`(?is)<(script|style|nav|footer|header|aside|noscript)\b[^>]*>.*?</\s*(?:script|style|nav|footer|header|aside|noscript)\s*>`)
	htmlCommentRE = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlBlockRE  = regexp.MustCompile(`(?i)</?(p|div|br|li|ul|ol|h[1-6]|tr|table|blockquote|section|article)[^>]*>`)
	htmlTagRE    = regexp.MustCompile(`(?s)<[^>]+>`)
	blankRunRE   = regexp.MustCompile(`\n{3,}`)
	spaceRunRE   = regexp.MustCompile(`[ \t]+`)
)

// HTMLParser strips chrome (nav, footer, script, style) and tags,
// keeping block boundaries as newlines.
type HTMLParser struct{}

func (p *HTMLParser) MimeTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (p *HTMLParser) Parse(data []byte) (string, error) {
	s := string(data)
	s = htmlCommentRE.ReplaceAllString(s, "")
	s = htmlDropRE.ReplaceAllString(s, "")
	s = htmlBlockRE.ReplaceAllString(s, "\n")
	s = htmlTagRE.ReplaceAllString(s, "")
	s = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(s)
	return Normalize(s), nil
}

// Normalize applies NFC, unifies line endings, and collapses runs of
// horizontal whitespace and blank lines. Chunk offsets are taken over
// this normalized form, so it must stay stable across releases.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRunRE.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = blankRunRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

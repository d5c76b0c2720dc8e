package ingest

import (
	"strings"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

const (
	// DefaultMaxChars caps a chunk's rune length.
	DefaultMaxChars = 2000
	// DefaultOverlap is the rune overlap between adjacent chunks.
	DefaultOverlap = 200

	anchorContext = 32
)

// Chunker splits normalized text into overlapping spans with anchors.
type Chunker struct {
	MaxChars int
	Overlap  int
}

// NewChunker returns a chunker with the default window.
func NewChunker() *Chunker {
	return &Chunker{MaxChars: DefaultMaxChars, Overlap: DefaultOverlap}
}

// Split chunks text already normalized by Normalize. Chunks prefer to
// break on paragraph then sentence boundaries inside the window; anchors
// carry the exact quote, prefix/suffix context, and rune offsets.
func (c *Chunker) Split(caseUID, artifactVersionUID, text string) []model.Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	maxChars := c.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= maxChars {
		overlap = DefaultOverlap
	}

	now := time.Now().UTC()
	var chunks []model.Chunk
	start := 0
	for ordinal := 0; start < len(runes); ordinal++ {
		end := start + maxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakpoint(runes, start, end)
		}

		span := strings.TrimSpace(string(runes[start:end]))
		if span != "" {
			chunks = append(chunks, model.Chunk{
				UID:                model.NewUID(model.KindChunk),
				CaseUID:            caseUID,
				ArtifactVersionUID: artifactVersionUID,
				Ordinal:            len(chunks),
				Text:               span,
				Anchors:            anchorsFor(runes, start, end),
				CreatedAt:          now,
			})
		}

		if end == len(runes) {
			break
		}
		// A breakpoint may cut before start+overlap; the next window must
		// still begin after the previous one.
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakpoint finds the best cut at or before limit: paragraph break,
// then sentence end, then word boundary, else the hard limit.
func breakpoint(runes []rune, start, limit int) int {
	window := string(runes[start:limit])

	if i := strings.LastIndex(window, "\n\n"); i > len(window)/2 {
		return start + len([]rune(window[:i+2]))
	}
	for _, sep := range []string{". ", ".\n", "? ", "! "} {
		if i := strings.LastIndex(window, sep); i > len(window)/2 {
			return start + len([]rune(window[:i+len(sep)]))
		}
	}
	if i := strings.LastIndexByte(window, ' '); i > len(window)/2 {
		return start + len([]rune(window[:i+1]))
	}
	return limit
}

func anchorsFor(runes []rune, start, end int) model.AnchorSet {
	prefStart := start - anchorContext
	if prefStart < 0 {
		prefStart = 0
	}
	sufEnd := end + anchorContext
	if sufEnd > len(runes) {
		sufEnd = len(runes)
	}
	return model.AnchorSet{
		Exact:       strings.TrimSpace(string(runes[start:end])),
		Prefix:      string(runes[prefStart:start]),
		Suffix:      string(runes[end:sufEnd]),
		StartOffset: start,
		EndOffset:   end,
	}
}

// Relocate finds a chunk's span in a newer revision of the source text.
// Strategies in order: exact quote, offset window around the recorded
// offsets, fuzzy prefix/suffix. Returns the new offsets plus the health
// record of which strategies hit.
func Relocate(anchors model.AnchorSet, newText string) (start, end int, health model.AnchorHealth) {
	health.CheckedAt = time.Now().UTC()
	newRunes := []rune(newText)

	// Exact quote anywhere in the document.
	if anchors.Exact != "" {
		if i := strings.Index(newText, anchors.Exact); i >= 0 {
			start = len([]rune(newText[:i]))
			end = start + len([]rune(anchors.Exact))
			health.ExactQuote = true
			// Offset window agreement is informational once exact hits.
			health.OffsetWindow = withinWindow(start, anchors.StartOffset)
			return start, end, health
		}
	}

	// Offset window: the recorded span, widened, still holds the quote.
	if anchors.Exact != "" && anchors.StartOffset < len(newRunes) {
		lo := anchors.StartOffset - DefaultOverlap
		if lo < 0 {
			lo = 0
		}
		hi := anchors.EndOffset + DefaultOverlap
		if hi > len(newRunes) {
			hi = len(newRunes)
		}
		window := string(newRunes[lo:hi])
		if i := strings.Index(window, anchors.Exact); i >= 0 {
			start = lo + len([]rune(window[:i]))
			end = start + len([]rune(anchors.Exact))
			health.OffsetWindow = true
			return start, end, health
		}
	}

	// Fuzzy: prefix and suffix both present in order.
	if anchors.Prefix != "" && anchors.Suffix != "" {
		pi := strings.Index(newText, anchors.Prefix)
		if pi >= 0 {
			after := pi + len(anchors.Prefix)
			si := strings.Index(newText[after:], anchors.Suffix)
			if si >= 0 {
				start = len([]rune(newText[:after]))
				end = start + len([]rune(newText[after:after+si]))
				health.Fuzzy = true
				return start, end, health
			}
		}
	}

	return -1, -1, health
}

func withinWindow(got, recorded int) bool {
	d := got - recorded
	if d < 0 {
		d = -d
	}
	return d <= DefaultOverlap
}

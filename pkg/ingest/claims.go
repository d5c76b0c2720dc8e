package ingest

import (
	"regexp"
	"strings"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// Claim extraction is heuristic by design: it surfaces candidate quotes,
// and the fusion layer decides what to believe. Every extracted quote is
// a verbatim substring of its chunk, so the store's substring check can
// never reject it.

var (
	quotedSpanRE = regexp.MustCompile(`"([^"]{20,400})"|“([^”]{20,400})”`)

	attributionVerbs = []string{
		"said", "says", "stated", "announced", "confirmed", "reported",
		"claimed", "denied", "acknowledged", "warned", "according to",
	}
)

// ExtractClaims pulls candidate source claims from a chunk: quoted spans
// first, then attribution sentences. evidenceUID is the evidence record
// covering the chunk.
func ExtractClaims(chunk *model.Chunk, evidenceUID string) []model.SourceClaim {
	now := time.Now().UTC()
	seen := make(map[string]struct{})
	var claims []model.SourceClaim

	add := func(quote string, selType string) {
		quote = strings.TrimSpace(quote)
		if quote == "" {
			return
		}
		if _, dup := seen[quote]; dup {
			return
		}
		// Verbatim or nothing.
		idx := strings.Index(chunk.Text, quote)
		if idx < 0 {
			return
		}
		seen[quote] = struct{}{}
		claims = append(claims, model.SourceClaim{
			UID:         model.NewUID(model.KindSourceClaim),
			CaseUID:     chunk.CaseUID,
			ChunkUID:    chunk.UID,
			EvidenceUID: evidenceUID,
			Quote:       quote,
			Modality:    model.ModalityText,
			Selectors: []model.Selector{{
				Type:  selType,
				Exact: quote,
				Start: idx,
				End:   idx + len(quote),
			}},
			CreatedAt: now,
		})
	}

	for _, m := range quotedSpanRE.FindAllStringSubmatch(chunk.Text, -1) {
		quote := m[1]
		if quote == "" {
			quote = m[2]
		}
		add(quote, "TextQuoteSelector")
	}

	for _, sentence := range splitSentences(chunk.Text) {
		lower := strings.ToLower(sentence)
		for _, verb := range attributionVerbs {
			if strings.Contains(lower, verb) {
				add(sentence, "TextQuoteSelector")
				break
			}
		}
	}

	return claims
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '?' || r == '!' || r == '\n' {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if len(s) >= 20 {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); len(tail) >= 20 {
		out = append(out, tail)
	}
	return out
}

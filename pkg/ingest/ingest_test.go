package ingest

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/artifacts"
	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

func TestNormalize(t *testing.T) {
	in := "á line\r\nwith\ttabs   and\r old endings\n\n\n\nblanks"
	out := Normalize(in)
	assert.Equal(t, "á line\nwith tabs and\nold endings\n\nblanks", out)
}

func TestHTMLParserStripsChrome(t *testing.T) {
	html := `<html><head><style>.x{}</style><script>var a=1;</script></head>
	<body><nav>menu</nav><p>First paragraph.</p><p>Second &amp; final.</p>
	<footer>copyright</footer></body></html>`

	text, err := (&HTMLParser{}).Parse([]byte(html))
	require.NoError(t, err)
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "Second & final.")
	assert.NotContains(t, text, "menu")
	assert.NotContains(t, text, "copyright")
	assert.NotContains(t, text, "var a=1")
}

func TestRegistryFallsBackOnUnknownMime(t *testing.T) {
	r := NewRegistry()
	text, fellBack, err := r.Parse("application/x-unknown", []byte("raw bytes here"))
	require.NoError(t, err)
	assert.True(t, fellBack)
	assert.Equal(t, "raw bytes here", text)
}

func TestChunkerSplitOverlapAndAnchors(t *testing.T) {
	sentence := "The committee met on Tuesday to review the findings. "
	text := Normalize(strings.Repeat(sentence, 120))

	c := NewChunker()
	chunks := c.Split("case_1", "av_1", text)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.LessOrEqual(t, len([]rune(ch.Text)), DefaultMaxChars)
		// Every chunk's exact anchor relocates in the original text.
		start, end, health := Relocate(ch.Anchors, text)
		assert.True(t, health.ExactQuote, "chunk %d exact anchor missed", i)
		assert.GreaterOrEqual(t, start, 0)
		assert.Greater(t, end, start)
	}
}

func TestChunkerSmallWindowLargeOverlapAdvances(t *testing.T) {
	// Long unbroken words force word-boundary cuts early in the window,
	// before start+overlap.
	word := strings.Repeat("x", 174)
	text := Normalize(strings.Repeat(word+" ", 60))

	c := &Chunker{MaxChars: 300, Overlap: 200}
	chunks := c.Split("case_1", "av_1", text)
	require.NotEmpty(t, chunks)

	prev := -1
	for i, ch := range chunks {
		assert.Greater(t, ch.Anchors.StartOffset, prev, "chunk %d start did not advance", i)
		assert.LessOrEqual(t, len([]rune(ch.Text)), 300)
		prev = ch.Anchors.StartOffset
	}
	// The last chunk reaches the end of the text.
	assert.Equal(t, len([]rune(text)), chunks[len(chunks)-1].Anchors.EndOffset)
}

func TestRelocateStrategies(t *testing.T) {
	text := Normalize("Alpha paragraph one. The key statement lives here. Closing text after.")
	anchors := model.AnchorSet{
		Exact:       "The key statement lives here.",
		Prefix:      "Alpha paragraph one. ",
		Suffix:      " Closing text after.",
		StartOffset: 21,
		EndOffset:   50,
	}

	// Exact hit.
	start, _, health := Relocate(anchors, text)
	assert.True(t, health.ExactQuote)
	assert.Equal(t, 21, start)

	// Shifted document: exact still hits via document-wide search.
	shifted := "NEW PREAMBLE. " + text
	_, _, health = Relocate(anchors, shifted)
	assert.True(t, health.ExactQuote)

	// Quote reworded: fuzzy prefix/suffix path.
	reworded := strings.Replace(text, "The key statement lives here.", "A rephrased claim sits here now.", 1)
	start, end, health := Relocate(anchors, reworded)
	assert.False(t, health.ExactQuote)
	assert.True(t, health.Fuzzy)
	assert.Greater(t, end, start)

	// Everything gone.
	start, end, health = Relocate(anchors, "entirely unrelated content")
	assert.Equal(t, -1, start)
	assert.Equal(t, -1, end)
	assert.False(t, health.ExactQuote || health.OffsetWindow || health.Fuzzy)
}

func TestExtractClaimsQuotedAndAttributed(t *testing.T) {
	chunk := &model.Chunk{
		UID:     "ch_1",
		CaseUID: "case_1",
		Text: `The minister said the facility had been closed since March. ` +
			`An observer noted "the satellite imagery shows renewed activity at the site". ` +
			`Weather was mild.`,
	}
	claims := ExtractClaims(chunk, "ev_1")
	require.NotEmpty(t, claims)

	var quoted, attributed bool
	for _, c := range claims {
		assert.Contains(t, chunk.Text, c.Quote)
		assert.Equal(t, model.ModalityText, c.Modality)
		require.NotEmpty(t, c.Selectors)
		if strings.Contains(c.Quote, "satellite imagery") {
			quoted = true
		}
		if strings.Contains(c.Quote, "minister said") {
			attributed = true
		}
	}
	assert.True(t, quoted, "quoted span not extracted")
	assert.True(t, attributed, "attribution sentence not extracted")
}

type stubEmbedder struct {
	calls int
	fails int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([]store.Embedding, error) {
	s.calls++
	if s.calls <= s.fails {
		return nil, errors.New("upstream unavailable")
	}
	out := make([]store.Embedding, len(texts))
	for i := range out {
		out[i] = store.Embedding{1, 0, 0}
	}
	return out, nil
}

func newTestIngestor(t *testing.T, embedder store.Embedder) (*Ingestor, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now().UTC()
	c := &model.Case{UID: "case_1", Title: "t", Status: "open", CreatedAt: now, UpdatedAt: now}
	action, err := audit.NewAction(context.Background(), "case_1", "case.create", "tester", "", nil)
	require.NoError(t, err)
	_, err = s.WithAction(context.Background(), action, func(tx *sql.Tx) (any, error) {
		return nil, store.InsertCase(context.Background(), tx, c)
	})
	require.NoError(t, err)

	blobs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	var vectors store.VectorStore
	if embedder != nil {
		vectors = store.NewMemoryVectorStore()
	}
	in := NewIngestor(s, blobs, embedder, vectors, nil)
	in.sleep = func(time.Duration) {}
	return in, s
}

func TestIngestEndToEnd(t *testing.T) {
	in, s := newTestIngestor(t, &stubEmbedder{})
	ctx := context.Background()

	body := []byte(`<html><body><p>The agency confirmed the shipment arrived on 12 May.</p>
	<p>A spokesperson said "all containers were inspected at the border".</p></body></html>`)

	res, err := in.Ingest(ctx, &Request{
		CaseUID: "case_1", CanonicalURL: "https://example.com/report",
		Kind: "web_page", MimeType: "text/html", Data: body, ActorID: "tester",
	})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.False(t, res.Partial)
	assert.Greater(t, res.ChunkCount, 0)
	assert.Greater(t, res.ClaimCount, 0)

	chunks, err := s.ListChunks(ctx, res.ArtifactVersionUID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.True(t, ch.EmbeddingSynced)
	}

	claims, err := s.ListSourceClaims(ctx, "case_1")
	require.NoError(t, err)
	assert.Len(t, claims, res.ClaimCount)

	// Identical bytes dedupe to the same version.
	again, err := in.Ingest(ctx, &Request{
		CaseUID: "case_1", CanonicalURL: "https://example.com/report",
		Kind: "web_page", MimeType: "text/html", Data: body, ActorID: "tester",
	})
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, res.ArtifactVersionUID, again.ArtifactVersionUID)
}

func TestIngestEmbedRetryThenSuccess(t *testing.T) {
	in, _ := newTestIngestor(t, &stubEmbedder{fails: 2})
	res, err := in.Ingest(context.Background(), &Request{
		CaseUID: "case_1", CanonicalURL: "https://example.com/a",
		Kind: "web_page", MimeType: "text/plain",
		Data: []byte("The agency confirmed the shipment arrived on schedule today."), ActorID: "tester",
	})
	require.NoError(t, err)
	assert.False(t, res.Partial)
}

func TestIngestTerminalEmbedFailureIsPartial(t *testing.T) {
	in, s := newTestIngestor(t, &stubEmbedder{fails: 99})
	ctx := context.Background()
	res, err := in.Ingest(ctx, &Request{
		CaseUID: "case_1", CanonicalURL: "https://example.com/b",
		Kind: "web_page", MimeType: "text/plain",
		Data: []byte("The agency confirmed the shipment arrived on schedule today."), ActorID: "tester",
	})
	require.NoError(t, err)
	assert.True(t, res.Partial)

	chunks, err := s.ListChunks(ctx, res.ArtifactVersionUID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.False(t, ch.EmbeddingSynced)
	}

	// partial=true lands on the action outputs.
	actions, err := store.NewAuditStore(s).ListActions(ctx, "case_1")
	require.NoError(t, err)
	var found bool
	for _, a := range actions {
		if a.ActionType == "artifact.ingest" && strings.Contains(string(a.Outputs), `"partial":true`) {
			found = true
		}
	}
	assert.True(t, found, "ingest action with partial outputs not recorded")
}

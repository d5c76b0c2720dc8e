package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veriscope-labs/veriscope/pkg/canonicalize"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
	"github.com/veriscope-labs/veriscope/pkg/llm"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// SearchResult is one meta-search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
}

// ArchiveResult is one fetched page.
type ArchiveResult struct {
	URL       string    `json:"url"`
	MIMEType  string    `json:"mime_type"`
	Body      []byte    `json:"-"`
	SHA256    string    `json:"sha256"`
	FetchedAt time.Time `json:"fetched_at"`
}

// MetaSearch queries the configured search endpoint. Responses are
// reused from the cache within the TTL, keyed by the canonical hash of
// the normalized query, so a repeated query stays off the network.
func (b *Broker) MetaSearch(ctx context.Context, caseUID, actorID, query string) ([]SearchResult, error) {
	query = strings.Join(strings.Fields(query), " ")
	if query == "" {
		return nil, faults.New(faults.CodeValidation, "broker: empty search query")
	}
	if b.cfg.SearchURL == "" {
		return nil, faults.New(faults.CodeValidation, "broker: no search endpoint configured")
	}

	inv, err := b.begin(ctx, caseUID, actorID, ToolMetaSearch, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	if err := inv.checkPolicy(ctx, b.cfg.SearchURL); err != nil {
		return nil, err
	}

	key, err := canonicalize.Hash(map[string]string{"tool": ToolMetaSearch, "query": strings.ToLower(query)})
	if err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "broker: cache key", err)
	}

	req := map[string]any{"query": query}
	if b.cache != nil {
		if cached, ok, cerr := b.cache.Get(ctx, key); cerr == nil && ok {
			var results []SearchResult
			if json.Unmarshal(cached, &results) == nil {
				inv.trace(ctx, req, map[string]any{"cached": true, "count": len(results)}, model.ToolStatusOK, "")
				return results, nil
			}
		} else if cerr != nil {
			b.log.Warn("search cache read failed", "error", cerr)
		}
	}

	results, callErr := b.callSearch(ctx, query)
	resp := map[string]any{"cached": false, "count": len(results)}
	if err := inv.finish(ctx, req, resp, callErr); err != nil {
		return nil, err
	}

	if b.cache != nil {
		if raw, merr := json.Marshal(results); merr == nil {
			if cerr := b.cache.Set(ctx, key, raw, b.cfg.CacheTTL); cerr != nil {
				b.log.Warn("search cache write failed", "error", cerr)
			}
		}
	}
	return results, nil
}

func (b *Broker) callSearch(ctx context.Context, query string) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	endpoint := b.cfg.SearchURL
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+sep+"q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidURL, "broker: building search request", err)
	}
	if b.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", b.cfg.UserAgent)
	}

	httpResp, err := b.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.CodeTimeout, "broker: search call", err)
		}
		return nil, faults.Wrap(faults.CodeGatewayError, "broker: search call", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, faults.New(faults.CodeRateLimited, "broker: search endpoint rate limited")
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, faults.Newf(faults.CodeGatewayError, "broker: search endpoint status %d", httpResp.StatusCode)
	}

	var parsed struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, faults.Wrap(faults.CodeGatewayError, "broker: decoding search response", err)
	}
	return parsed.Results, nil
}

// ArchiveURL fetches one page for ingestion. The trace records the body
// hash, never the body.
func (b *Broker) ArchiveURL(ctx context.Context, caseUID, actorID, rawURL string) (*ArchiveResult, error) {
	inv, err := b.begin(ctx, caseUID, actorID, ToolArchiveURL, map[string]string{"url": redactURL(rawURL)})
	if err != nil {
		return nil, err
	}
	if err := inv.checkPolicy(ctx, rawURL); err != nil {
		return nil, err
	}

	result, callErr := b.fetch(ctx, rawURL)
	req := map[string]string{"url": redactURL(rawURL)}
	var resp any
	if result != nil {
		resp = map[string]any{"mime_type": result.MIMEType, "sha256": result.SHA256, "bytes": len(result.Body)}
	}
	if err := inv.finish(ctx, req, resp, callErr); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Broker) fetch(ctx context.Context, rawURL string) (*ArchiveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidURL, "broker: building fetch request", err)
	}
	if b.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", b.cfg.UserAgent)
	}

	httpResp, err := b.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.CodeTimeout, "broker: fetch", err)
		}
		return nil, faults.Wrap(faults.CodeGatewayError, "broker: fetch", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, faults.New(faults.CodeRateLimited, "broker: remote host rate limited")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, faults.Newf(faults.CodeGatewayError, "broker: fetch status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxFetchBytes))
	if err != nil {
		return nil, faults.Wrap(faults.CodeGatewayError, "broker: reading fetch body", err)
	}

	sum := sha256.Sum256(body)
	mime := httpResp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return &ArchiveResult{
		URL:       rawURL,
		MIMEType:  mime,
		Body:      body,
		SHA256:    hex.EncodeToString(sum[:]),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// DocParse converts a document body to normalized text through the
// parser registry. Local operation, no outbound policy.
func (b *Broker) DocParse(ctx context.Context, caseUID, actorID, mimeType string, data []byte) (string, error) {
	if b.parsers == nil {
		return "", faults.New(faults.CodeValidation, "broker: no parser registry configured")
	}
	inv, err := b.begin(ctx, caseUID, actorID, ToolDocParse, map[string]any{"mime_type": mimeType, "bytes": len(data)})
	if err != nil {
		return "", err
	}

	text, fellBack, callErr := b.parsers.Parse(mimeType, data)
	req := map[string]any{"mime_type": mimeType, "bytes": len(data)}
	resp := map[string]any{"chars": len(text), "parser_fallback": fellBack}
	if callErr != nil {
		callErr = faults.Wrap(faults.CodeValidation, "broker: parsing document", callErr)
	}
	if err := inv.finish(ctx, req, resp, callErr); err != nil {
		return "", err
	}
	return ingest.Normalize(text), nil
}

// Embed produces embeddings for a batch of texts.
func (b *Broker) Embed(ctx context.Context, caseUID, actorID string, texts []string) ([]store.Embedding, error) {
	if b.embedder == nil {
		return nil, faults.New(faults.CodeValidation, "broker: no embedder configured")
	}
	inv, err := b.begin(ctx, caseUID, actorID, ToolEmbed, map[string]any{"texts": len(texts)})
	if err != nil {
		return nil, err
	}

	ctxCall, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()
	embeddings, callErr := b.embedder.Embed(ctxCall, texts)

	req := map[string]any{"texts": len(texts)}
	resp := map[string]any{"embeddings": len(embeddings)}
	if err := inv.finish(ctx, req, resp, callErr); err != nil {
		return nil, err
	}
	return embeddings, nil
}

// GenerateStructured routes a schema-constrained generation through the
// model router. Degraded routes surface on the RouteResult, not as an
// error; the trace records which happened.
func (b *Broker) GenerateStructured(ctx context.Context, caseUID, actorID, prompt string, schema *jsonschema.Schema, estimateTokens int64) (json.RawMessage, *llm.RouteResult, error) {
	if b.gen == nil {
		return nil, nil, faults.New(faults.CodeValidation, "broker: no structured generator configured")
	}
	promptHash := sha256.Sum256([]byte(prompt))
	inv, err := b.begin(ctx, caseUID, actorID, ToolGenerateStructured, map[string]any{
		"prompt_sha256": hex.EncodeToString(promptHash[:]),
		"prompt_chars":  len(prompt),
	})
	if err != nil {
		return nil, nil, err
	}

	doc, route, callErr := b.gen.GenerateStructured(ctx, prompt, schema, estimateTokens)

	req := map[string]any{"prompt_sha256": hex.EncodeToString(promptHash[:])}
	resp := map[string]any{}
	if route != nil {
		resp["model_used"] = route.ModelUsed
		if route.Degraded != nil {
			resp["degraded_reason"] = string(route.Degraded.Reason)
		}
	}
	if doc != nil {
		resp["output_chars"] = len(doc)
	}
	if err := inv.finish(ctx, req, resp, callErr); err != nil {
		return nil, nil, err
	}
	return doc, route, nil
}

package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

func TestNewActionFieldsAndUID(t *testing.T) {
	a, err := NewAction(context.Background(), "case_1", "tool.archive_url", "analyst-7", "collect source", map[string]string{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, model.KindAction, model.KindOf(a.UID))
	assert.Equal(t, "case_1", a.CaseUID)
	assert.Equal(t, "tool.archive_url", a.ActionType)
	assert.False(t, a.CreatedAt.IsZero())

	var inputs map[string]string
	require.NoError(t, json.Unmarshal(a.Inputs, &inputs))
	assert.Equal(t, "https://example.com", inputs["url"])
}

func TestSetOutputs(t *testing.T) {
	a := &model.Action{UID: "act_x"}
	require.NoError(t, SetOutputs(a, map[string]bool{"fallback": true}))
	var out map[string]bool
	require.NoError(t, json.Unmarshal(a.Outputs, &out))
	assert.True(t, out["fallback"])
}

func TestContentHashStable(t *testing.T) {
	a := &model.Action{UID: "act_1", CaseUID: "case_1", ActionType: "case.create", CreatedAt: time.Unix(0, 0).UTC()}
	h1, err := ContentHash(a)
	require.NoError(t, err)
	h2, err := ContentHash(a)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	a.ActionType = "case.delete"
	h3, err := ContentHash(a)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestJSONLSinkDatePartitioning(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	sink, err := NewJSONLSink(dir)
	require.NoError(t, err)
	sink.WithClock(func() time.Time { return clock })

	require.NoError(t, sink.Persist(map[string]string{"uid": "act_1"}))
	clock = clock.Add(2 * time.Minute) // crosses UTC midnight
	require.NoError(t, sink.Persist(map[string]string{"uid": "act_2"}))
	require.NoError(t, sink.Close())

	first, err := os.ReadFile(filepath.Join(dir, "traces-2026-03-14.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(first), "act_1")

	second, err := os.ReadFile(filepath.Join(dir, "traces-2026-03-15.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(second), "act_2")
}

func TestJSONLSinkAppends(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	require.NoError(t, err)
	require.NoError(t, sink.Persist(map[string]int{"n": 1}))
	require.NoError(t, sink.Persist(map[string]int{"n": 2}))
	require.NoError(t, sink.Close())

	files, err := filepath.Glob(filepath.Join(dir, "traces-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 2, len(splitLines(data)))
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, b[start:i])
			start = i + 1
		}
	}
	return lines
}

func TestExportSignAndVerify(t *testing.T) {
	kr, err := NewKeyring([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	actions := []model.Action{{UID: "act_1", CaseUID: "case_1", ActionType: "case.create"}}
	traces := []model.ToolTrace{{UID: "tt_1", ActionUID: "act_1", CaseUID: "case_1", ToolName: "archive_url", Status: model.ToolStatusOK}}

	bundle, err := kr.Export("case_1", actions, traces)
	require.NoError(t, err)
	assert.NoError(t, Verify(bundle))

	// Tampering breaks verification.
	bundle.Actions[0].ActionType = "case.delete"
	assert.Error(t, Verify(bundle))
}

func TestExportKeysDifferPerCase(t *testing.T) {
	kr, err := NewKeyring([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	b1, err := kr.Export("case_1", nil, nil)
	require.NoError(t, err)
	b2, err := kr.Export("case_2", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, b1.PublicKey, b2.PublicKey)
}

func TestKeyringRejectsShortSecret(t *testing.T) {
	_, err := NewKeyring([]byte("short"))
	assert.Error(t, err)
}

package store

import (
	"context"
	"sort"
	"sync"
)

// GraphEdge is one directed, labeled edge in a case's knowledge graph.
// Nodes are entity names drawn from relational assertions; SourceUID is
// the assertion that contributed the edge.
type GraphEdge struct {
	Source    string `json:"source"`
	Relation  string `json:"relation"`
	Target    string `json:"target"`
	SourceUID string `json:"source_uid"`
}

// GraphStore holds per-case knowledge graphs built from relational
// assertions.
type GraphStore interface {
	AddEdge(ctx context.Context, caseUID string, edge GraphEdge) error
	Neighbors(ctx context.Context, caseUID, node string) ([]GraphEdge, error)
	Edges(ctx context.Context, caseUID string) ([]GraphEdge, error)
}

// MemoryGraphStore is the in-process graph used in tests and single-node
// deployments. Edges dedupe on (source, relation, target).
type MemoryGraphStore struct {
	mu    sync.RWMutex
	edges map[string]map[[3]string]GraphEdge
}

// NewMemoryGraphStore creates an empty graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{edges: make(map[string]map[[3]string]GraphEdge)}
}

// AddEdge upserts one edge.
func (m *MemoryGraphStore) AddEdge(_ context.Context, caseUID string, edge GraphEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.edges[caseUID]
	if !ok {
		byKey = make(map[[3]string]GraphEdge)
		m.edges[caseUID] = byKey
	}
	byKey[[3]string{edge.Source, edge.Relation, edge.Target}] = edge
	return nil
}

// Neighbors returns edges touching node in either direction.
func (m *MemoryGraphStore) Neighbors(_ context.Context, caseUID, node string) ([]GraphEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GraphEdge
	for _, e := range m.edges[caseUID] {
		if e.Source == node || e.Target == node {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out, nil
}

// Edges returns a case's full edge set.
func (m *MemoryGraphStore) Edges(_ context.Context, caseUID string) ([]GraphEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GraphEdge, 0, len(m.edges[caseUID]))
	for _, e := range m.edges[caseUID] {
		out = append(out, e)
	}
	sortEdges(out)
	return out, nil
}

func sortEdges(edges []GraphEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		if edges[i].Relation != edges[j].Relation {
			return edges[i].Relation < edges[j].Relation
		}
		return edges[i].Target < edges[j].Target
	})
}

package graph

import (
	"context"
	"sync"
)

// Query is a statement captured by MemoryClient.
type Query struct {
	Cypher string
	Params map[string]any
}

// MemoryClient serves queued results and records every statement. It stands
// in for Neo4j in tests.
type MemoryClient struct {
	mu      sync.Mutex
	queries []Query
	results [][]Record
	err     error
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// WithError makes subsequent calls fail with err.
func (m *MemoryClient) WithError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Push queues rows for the next Read call.
func (m *MemoryClient) Push(rows ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, rows)
}

func (m *MemoryClient) Read(_ context.Context, cypher string, params map[string]any) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	m.queries = append(m.queries, Query{Cypher: cypher, Params: copied})

	if len(m.results) == 0 {
		return nil, nil
	}
	rows := m.results[0]
	m.results = m.results[1:]
	return rows, nil
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MemoryClient) Close(context.Context) error {
	return nil
}

// Queries returns the statements executed so far.
func (m *MemoryClient) Queries() []Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Query(nil), m.queries...)
}

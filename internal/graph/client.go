// Package graph is a thin Cypher client for the optional trust graph.
package graph

import (
	"context"
	"errors"
)

// Client runs read-only Cypher queries against the trust graph. The graph is
// maintained elsewhere; this service never writes to it.
type Client interface {
	Read(ctx context.Context, cypher string, params map[string]any) ([]Record, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Record is one result row keyed by column name.
type Record map[string]any

// String returns the column as a string, or "" when absent or of another type.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Options configures a graph connection.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")

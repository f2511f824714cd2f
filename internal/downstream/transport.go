// Package downstream implements the client pool (C8) that keeps one live
// connection per configured downstream server and routes callTool,
// listTools, and getToolSchema to the correct transport.
package downstream

import (
	"context"
	"encoding/json"
)

// Kind identifies a transport family. Both kinds implement the same wire
// protocol: request/response pairs addressed by a monotonically increasing
// integer id within one connection, demultiplexed on the response path.
type Kind string

const (
	KindStdio Kind = "line-delimited-subprocess"
	KindHTTP  Kind = "streaming-http"
)

// Transport is a single live connection to one downstream server.
type Transport interface {
	CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]ToolInfo, error)
	Close() error
}

// ServerConfig describes one configured downstream endpoint.
type ServerConfig struct {
	Name          string
	Kind          Kind
	Command       string // stdio: launch command
	Args          []string
	Env           []string
	Dir           string
	URL           string // http: base endpoint
	MaxConcurrent int
	QueueCapacity int
	QueueTimeout  int64 // milliseconds
}

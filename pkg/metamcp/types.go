// Package metamcp contains the shared domain types used across the
// meta-mcp subpackages: the aggregated tool model, child server state,
// and the inputs/outputs of a tool selection decision.
package metamcp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ToolIDSeparator joins a server name and a tool name into the public,
// namespaced tool identifier ("fs.read_file").
const ToolIDSeparator = "."

// Tool is a single invocable capability advertised by exactly one child
// server, addressed upstream by its namespaced ID.
type Tool struct {
	// ID is the globally unique identifier, "<server_name>.<name>".
	ID string

	// ServerName is the name of the owning child server.
	ServerName string

	// Name is the tool name as the child server knows it.
	Name string

	// Description is the free text used for embedding and prompting.
	Description string

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// Examples are optional usage examples, in child-reported order.
	Examples []string

	// Embedding is the cached description embedding. Nil until computed.
	Embedding []float32

	// UsageCount counts successful dispatches. Monotonically increasing.
	UsageCount int64

	// LastUsed is the time of the last successful dispatch.
	LastUsed time.Time
}

// ToolID builds the namespaced tool identifier for a server/tool pair.
func ToolID(serverName, toolName string) string {
	return serverName + ToolIDSeparator + toolName
}

// SplitToolID splits a namespaced tool identifier into its server and
// tool components. The second return is false when the identifier does
// not contain a separator.
func SplitToolID(id string) (serverName, toolName string, ok bool) {
	serverName, toolName, ok = strings.Cut(id, ToolIDSeparator)
	if !ok || serverName == "" || toolName == "" {
		return "", "", false
	}
	return serverName, toolName, true
}

// DescriptionHash returns the cache key component derived from a tool
// description. A changed description yields a different hash, which
// invalidates any embedding cached under the old one.
func DescriptionHash(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

// EmbeddingText returns the text embedded for a tool: the description
// plus parameter names/descriptions and examples, so that similarity
// search sees more than the one-line summary.
func (t *Tool) EmbeddingText() string {
	parts := []string{t.Description}

	if props, ok := t.InputSchema["properties"].(map[string]any); ok {
		for name, raw := range props {
			info, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			desc, _ := info["description"].(string)
			parts = append(parts, name+": "+desc)
		}
	}
	parts = append(parts, t.Examples...)

	return strings.Join(parts, " ")
}

// ServerState is the supervised lifecycle state of a child server.
type ServerState string

const (
	// ServerStopped means the server is configured but not running.
	ServerStopped ServerState = "stopped"

	// ServerStarting means the process has been spawned but has not yet
	// passed its first health check.
	ServerStarting ServerState = "starting"

	// ServerRunning means the server is live and passing health checks.
	ServerRunning ServerState = "running"

	// ServerUnhealthy means a Running server has failed at least one
	// health check but has not yet crossed the restart threshold.
	ServerUnhealthy ServerState = "unhealthy"

	// ServerRestarting means the process is being killed and respawned.
	ServerRestarting ServerState = "restarting"

	// ServerFailed means restart attempts are exhausted. Terminal until
	// an explicit reset or config reload.
	ServerFailed ServerState = "failed"
)

// ChildServerStatus is a read-only snapshot of one supervised child
// server, surfaced for diagnostics and for the registry's enablement
// decisions.
type ChildServerStatus struct {
	Name                string
	State               ServerState
	PID                 int
	ConsecutiveFailures int
	RestartCount        int
	LastHealthCheckAt   time.Time
	ToolCount           int
	StartedAt           time.Time
	LastError           string
}

// StateProvider is the read-only view of supervisor state consumed by
// the registry. The supervisor is the only writer of server state; the
// registry must never mutate it.
type StateProvider interface {
	// ServerState returns the current state of a named server.
	// The second return is false if the server is unknown.
	ServerState(name string) (ServerState, bool)
}

// SelectionContext is the input to a single tool selection decision.
type SelectionContext struct {
	// Query is the current user/task text.
	Query string

	// RecentMessages is the recent conversation, most-recent-last.
	RecentMessages []string

	// ActiveTools lists recently invoked tool IDs, used as a ranking
	// signal.
	ActiveTools []string

	// Timestamp is when the selection was requested.
	Timestamp time.Time
}

// recentMessageWindow bounds how much conversation is folded into the
// embedded context text.
const recentMessageWindow = 3

// ContextText returns the concatenated text used for embedding and
// prompting: the query plus the last few recent messages.
func (c *SelectionContext) ContextText() string {
	parts := []string{c.Query}
	msgs := c.RecentMessages
	if len(msgs) > recentMessageWindow {
		msgs = msgs[len(msgs)-recentMessageWindow:]
	}
	parts = append(parts, msgs...)
	return strings.Join(parts, " ")
}

// SelectionResult is the outcome of one pass through the selection
// strategy chain.
type SelectionResult struct {
	// ToolIDs is the ordered selection, at most max_tools long.
	ToolIDs []string

	// StrategyUsed names the strategy that produced the result, or
	// "terminal" when the degraded path was reached.
	StrategyUsed string

	// Degraded is true when every configured strategy failed and the
	// terminal path produced the result.
	Degraded bool

	// SnapshotVersion is the registry snapshot version the selection
	// was computed against.
	SnapshotVersion uint64

	// Latency is the wall time the selection took.
	Latency time.Duration
}

package metamcp

import (
	"context"
	"errors"
	"strings"
)

// Domain errors. Wrap these with fmt.Errorf("%w: ...") so callers can
// classify failures with errors.Is while keeping operation context.
var (
	// ErrProcessSpawn indicates a child server process could not be
	// started (bad command, missing binary, exec failure).
	ErrProcessSpawn = errors.New("child process spawn failed")

	// ErrRestartExhausted indicates a child server exceeded its restart
	// budget and has been marked failed.
	ErrRestartExhausted = errors.New("restart attempts exhausted")

	// ErrServerNotFound indicates a named child server is not configured.
	ErrServerNotFound = errors.New("server not found")

	// ErrToolNotFound indicates a tool ID does not exist in the current
	// registry snapshot.
	ErrToolNotFound = errors.New("tool not found")

	// ErrServerUnavailable indicates the owning child server is not in a
	// dispatchable state.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrUpstreamTimeout indicates a child server did not respond within
	// the request deadline.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamProtocol indicates a child server returned a malformed
	// or protocol-violating response.
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	// ErrEmbeddingProvider indicates the embedding backend failed or is
	// unreachable.
	ErrEmbeddingProvider = errors.New("embedding provider error")

	// ErrVectorStore indicates the vector store rejected or failed an
	// operation.
	ErrVectorStore = errors.New("vector store error")

	// ErrLLMInference indicates the LLM completion endpoint failed,
	// timed out, or returned an unusable response.
	ErrLLMInference = errors.New("llm inference error")

	// ErrRAGRetrieval indicates documentation retrieval failed.
	ErrRAGRetrieval = errors.New("rag retrieval error")

	// ErrStrategyFailed indicates a selection strategy could not produce
	// a usable result and the chain should fall through.
	ErrStrategyFailed = errors.New("selection strategy failed")
)

// IsTimeoutError reports whether err represents a timeout, either one
// of our sentinels or a context deadline surfaced by a transport.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

// IsConnectionError reports whether err looks like a transport-level
// connection failure rather than an application error. Used to decide
// between marking a server unhealthy and surfacing a request error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"no such host",
		"transport is closing",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

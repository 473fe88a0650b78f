package metamcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "fs.read_file", ToolID("fs", "read_file"))
}

func TestSplitToolID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		id         string
		wantServer string
		wantTool   string
		wantOK     bool
	}{
		{name: "valid", id: "fs.read_file", wantServer: "fs", wantTool: "read_file", wantOK: true},
		{name: "tool name with dots", id: "web.search.v2", wantServer: "web", wantTool: "search.v2", wantOK: true},
		{name: "no separator", id: "readfile", wantOK: false},
		{name: "empty server", id: ".read_file", wantOK: false},
		{name: "empty tool", id: "fs.", wantOK: false},
		{name: "empty", id: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, tool, ok := SplitToolID(tt.id)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantServer, server)
			assert.Equal(t, tt.wantTool, tool)
		})
	}
}

func TestDescriptionHash(t *testing.T) {
	t.Parallel()

	h1 := DescriptionHash("reads a file")
	h2 := DescriptionHash("reads a file")
	h3 := DescriptionHash("writes a file")

	assert.Equal(t, h1, h2, "same description must hash identically")
	assert.NotEqual(t, h1, h3, "changed description must change the hash")
	assert.Len(t, h1, 64)
}

func TestEmbeddingText(t *testing.T) {
	t.Parallel()

	tool := &Tool{
		Description: "Read a file from disk",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "absolute file path",
				},
			},
		},
		Examples: []string{"read /etc/hosts"},
	}

	text := tool.EmbeddingText()
	assert.Contains(t, text, "Read a file from disk")
	assert.Contains(t, text, "path: absolute file path")
	assert.Contains(t, text, "read /etc/hosts")
}

func TestContextText(t *testing.T) {
	t.Parallel()

	t.Run("query only", func(t *testing.T) {
		t.Parallel()

		ctx := &SelectionContext{Query: "list files"}
		assert.Equal(t, "list files", ctx.ContextText())
	})

	t.Run("keeps only the last three messages", func(t *testing.T) {
		t.Parallel()

		ctx := &SelectionContext{
			Query:          "now compress them",
			RecentMessages: []string{"m1", "m2", "m3", "m4", "m5"},
		}
		assert.Equal(t, "now compress them m3 m4 m5", ctx.ContextText())
	})
}

func TestIsTimeoutError(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTimeoutError(nil))
	assert.True(t, IsTimeoutError(ErrUpstreamTimeout))
	assert.True(t, IsTimeoutError(fmt.Errorf("%w: tools/call fs.read_file", ErrUpstreamTimeout)))
	assert.True(t, IsTimeoutError(context.DeadlineExceeded))
	assert.True(t, IsTimeoutError(errors.New("request timeout after 30s")))
	assert.False(t, IsTimeoutError(errors.New("permission denied")))
}

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsConnectionError(errors.New("write: broken pipe")))
	assert.True(t, IsConnectionError(errors.New("unexpected EOF")))
	assert.False(t, IsConnectionError(errors.New("invalid params")))
}

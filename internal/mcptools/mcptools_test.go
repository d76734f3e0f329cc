package mcptools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/dsl"
)

func TestCallToolUnknownServer(t *testing.T) {
	b := NewBridge(map[string]dsl.MCPServer{
		"filesystem": {Command: "mcp-filesystem-server"},
	})
	_, err := b.CallTool(context.Background(), dsl.MCPToolSpec{Server: "github", Tool: "list_issues"})
	require.Error(t, err)
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrUnknownServer, me.Kind)
}

func TestCallToolServerWithNoCommandOrURL(t *testing.T) {
	b := NewBridge(map[string]dsl.MCPServer{
		"broken": {},
	})
	_, err := b.CallTool(context.Background(), dsl.MCPToolSpec{Server: "broken", Tool: "x"})
	require.Error(t, err)
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrConnectFailed, me.Kind)
}

func TestCloseIsIdempotentOnEmptyBridge(t *testing.T) {
	b := NewBridge(nil)
	b.Close()
	b.Close()
}

package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specnerd/internal/session"
	"specnerd/internal/types"
)

var caller = types.CallerContext{SessionID: "s1", SpecialistID: "fr_writer", Iteration: 2, BaseDir: "/proj"}

func echoTool() *Tool {
	return &Tool{
		Name: "echo",
		Execute: func(_ context.Context, call Call) (any, error) {
			msg, _ := call.Args["message"].(string)
			return "Echo: " + msg, nil
		},
		Schema: ToolSchema{
			Required:   []string{"message"},
			Properties: map[string]Property{"message": {Type: "string"}},
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, Call) (any, error) { return nil, nil }

	tests := []struct {
		name    string
		tool    *Tool
		wantErr error
	}{
		{name: "empty name", tool: &Tool{Execute: noop}, wantErr: ErrToolNameEmpty},
		{name: "nil execute", tool: &Tool{Name: "test"}, wantErr: ErrToolExecuteNil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, reg.Register(tt.tool), tt.wantErr)
		})
	}

	require.NoError(t, reg.Register(echoTool()))
	assert.ErrorIs(t, reg.Register(echoTool()), ErrToolAlreadyRegistered)
	assert.Panics(t, func() { reg.MustRegister(echoTool()) })
	assert.Equal(t, 1, reg.Count())
}

func TestExecute(t *testing.T) {
	reg := NewRegistry(WithFs(afero.NewMemMapFs()))
	reg.MustRegister(echoTool())

	res, err := reg.Execute(context.Background(), "echo", map[string]interface{}{"message": "hi"}, caller)
	require.NoError(t, err)
	assert.Equal(t, types.ToolResult{Success: true, Result: "Echo: hi"}, res)

	res, err = reg.Execute(context.Background(), "echo", nil, caller)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "missing required argument: message")

	_, err = reg.Execute(context.Background(), "nope", nil, caller)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestExecuteRequiresBaseDir(t *testing.T) {
	reg := NewRegistry(WithFs(afero.NewMemMapFs()))
	reg.MustRegister(echoTool())

	res, err := reg.Execute(context.Background(), "echo", map[string]interface{}{"message": "hi"}, types.CallerContext{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrNoBaseDir.Error(), res.Error)
}

func TestExecuteReportsToolErrors(t *testing.T) {
	reg := NewRegistry(WithFs(afero.NewMemMapFs()))
	reg.MustRegister(&Tool{Name: "broken", Execute: func(context.Context, Call) (any, error) {
		return nil, errors.New("disk on fire")
	}})

	res, err := reg.Execute(context.Background(), "broken", nil, caller)
	require.NoError(t, err)
	assert.Equal(t, types.ToolResult{Success: false, Error: "disk on fire"}, res)
}

func TestDefinitions(t *testing.T) {
	reg := NewDefaultRegistry(WithFs(afero.NewMemMapFs()))
	defs := reg.Definitions()

	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
		assert.Equal(t, "object", d.InputSchema["type"])
		assert.NotNil(t, d.InputSchema["required"])
	}
	assert.Equal(t, []string{EditFile, ListFiles, ReadFile, SearchFiles, WriteFile}, names)
	assert.Equal(t, names, reg.Names())

	var _ types.ToolExecutor = reg
	var _ types.ToolCatalog = reg
}

func TestMutatingToolsAreRecorded(t *testing.T) {
	fs := afero.NewMemMapFs()
	sessions := session.NewManager("/ws", session.WithFs(fs))
	s, err := sessions.CreateNewSession("demo")
	require.NoError(t, err)

	reg := NewDefaultRegistry(WithFs(fs), WithSessionLog(sessions))
	c := caller
	c.BaseDir = s.BaseDir

	write := map[string]interface{}{"path": "docs/srs.md", "content": "# SRS\n"}
	for i := 0; i < 2; i++ {
		res, err := reg.Execute(context.Background(), WriteFile, write, c)
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
	}
	res, err := reg.Execute(context.Background(), ReadFile, map[string]interface{}{"path": "docs/srs.md"}, c)
	require.NoError(t, err)
	assert.Equal(t, "# SRS\n", res.Result)

	assert.Equal(t, []string{"docs/srs.md"}, sessions.GetCurrentSession().ActiveFiles)

	entries, err := sessions.OperationLog(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries[1:] {
		assert.Equal(t, session.OpToolExecution, e.Type)
		assert.Equal(t, WriteFile, e.ToolName)
		assert.True(t, e.Success)
		assert.Equal(t, "docs/srs.md", e.StructuredDetail["path"])
	}
}

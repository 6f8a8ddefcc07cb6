package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name   string
	result *Result
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake" }
func (f *fakeTool) Schema() *JSONSchema { return nil }

func (f *fakeTool) Execute(context.Context, map[string]interface{}) (*Result, error) {
	return f.result, nil
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "alpha", result: Ok("done", nil)}))
	require.NoError(t, r.Register(&fakeTool{name: "beta", result: Fail("bad input")}))

	require.Error(t, r.Register(&fakeTool{name: "alpha"}))
	require.Error(t, r.Register(nil))

	res, err := r.Execute(context.Background(), "alpha", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "done", res.Output)

	res, err = r.Execute(context.Background(), "beta", nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "bad input", res.Error)

	_, err = r.Execute(context.Background(), "missing", nil)
	require.Error(t, err)

	require.Equal(t, []string{"alpha", "beta"}, r.Names())
}

func TestResultHelpers(t *testing.T) {
	res := Fail("artifact %s not found", "t1").WithNote("run the generation step first")
	require.False(t, res.Success)
	require.Equal(t, "artifact t1 not found", res.Error)
	require.Equal(t, "run the generation step first", res.Note)
}

func TestDecodeParams(t *testing.T) {
	var args struct {
		TaskID string `json:"task_id"`
		DryRun bool   `json:"dry_run"`
	}
	err := DecodeParams(map[string]interface{}{"task_id": "t-9", "dry_run": true}, &args)
	require.NoError(t, err)
	require.Equal(t, "t-9", args.TaskID)
	require.True(t, args.DryRun)
}

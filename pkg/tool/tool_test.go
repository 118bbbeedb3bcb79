package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	City string `json:"city" jsonschema:"required"`
}

func TestGenerateSchemaValidatesArgs(t *testing.T) {
	schema, err := GenerateSchema("get_weather_args", weatherArgs{})
	require.NoError(t, err)

	fn := NewFuncTool("get_weather", "fetches weather", schema, Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		return "sunny", nil
	})

	assert.NoError(t, ValidateArgs(fn, map[string]any{"city": "Paris"}))
	assert.Error(t, ValidateArgs(fn, map[string]any{}))
}

func TestSetLookup(t *testing.T) {
	fn := NewFuncTool("noop", "does nothing", nil, Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	})
	set := NewSet(fn)

	got, ok := set.Lookup("noop")
	require.True(t, ok)
	assert.Equal(t, "noop", got.Name())

	_, ok = set.Lookup("missing")
	assert.False(t, ok)
}

func TestValidateArgsNilSchemaIsNoop(t *testing.T) {
	fn := NewFuncTool("noop", "", nil, Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	})
	assert.NoError(t, ValidateArgs(fn, map[string]any{"anything": true}))
}

func TestContainerOptionsAreExposed(t *testing.T) {
	fn := NewFuncTool("fs", "filesystem toolkit", nil, Options{Container: true, Namespace: "fs"}, func(ctx context.Context, args map[string]any) (any, error) {
		return []string{"read", "write"}, nil
	})
	assert.True(t, fn.Options().Container)
	assert.Equal(t, "fs", fn.Options().Namespace)
}

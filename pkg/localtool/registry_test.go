package localtool

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alehm/duet/pkg/mesh"
)

func noopHandler(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return "ok", nil
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	err := registry.Register(Tool{
		Name:        "read_note",
		Description: "Read a note",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"id": args["id"], "body": "hello"}, nil
		},
	})
	require.NoError(t, err)

	result, err := registry.Execute(context.Background(), "read_note", map[string]interface{}{"id": "n-1"})
	require.NoError(t, err)

	body, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", body["body"])
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	require.NoError(t, registry.Register(Tool{Name: "read_note", Handler: noopHandler}))

	err := registry.Register(Tool{Name: "read_note", Handler: noopHandler})
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistry_RejectsMissingNameOrHandler(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	assert.ErrorContains(t, registry.Register(Tool{Handler: noopHandler}), "name is required")
	assert.ErrorContains(t, registry.Register(Tool{Name: "broken"}), "no handler")
}

func TestRegistry_RejectsInvalidSchema(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	err := registry.Register(Tool{
		Name:    "bad_schema",
		Handler: noopHandler,
		InputSchema: map[string]interface{}{
			"type": 42,
		},
	})
	assert.ErrorContains(t, err, "invalid input schema")
}

func TestRegistry_DescriptorsPreserveRegistrationOrder(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	require.NoError(t, registry.Register(Tool{Name: "zeta", Handler: noopHandler}))
	require.NoError(t, registry.Register(Tool{Name: "alpha", Handler: noopHandler}))

	descriptors := registry.Descriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "zeta", descriptors[0].Name)
	assert.Equal(t, "alpha", descriptors[1].Name)
	for _, d := range descriptors {
		assert.Equal(t, mesh.SourceLocal, d.Source)
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	_, err := registry.Execute(context.Background(), "missing", nil)
	assert.ErrorContains(t, err, "unknown local tool")
}

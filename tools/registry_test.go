package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func syncSpec(name string, schema string) Spec {
	var raw json.RawMessage
	if schema != "" {
		raw = json.RawMessage(schema)
	}
	return Spec{
		Name: name, Kind: KindSync, InputSchema: raw,
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) { return args, nil },
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(syncSpec("echo", "")))

	spec, ok := r.Lookup("echo")
	require.True(t, ok)
	require.Equal(t, "echo", spec.Name)

	_, ok = r.Lookup("missing")
	require.False(t, ok)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(syncSpec("echo", "")))
	require.Error(t, r.Register(syncSpec("echo", "")))
}

func TestRegisterRejectsMissingName(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(Spec{Kind: KindSync, Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }}))
}

func TestRegisterRejectsSyncWithoutHandler(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(Spec{Name: "x", Kind: KindSync}))
}

func TestRegisterRejectsAsyncWithoutCallback(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(Spec{Name: "x", Kind: KindAsync}))
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(Spec{Name: "x", Kind: "bogus"}))
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(syncSpec("echo", "not json")))
}

func TestValidateAcceptsInputMatchingSchema(t *testing.T) {
	r := NewRegistry()
	schema := `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`
	require.NoError(t, r.Register(syncSpec("echo", schema)))

	require.NoError(t, r.Validate("echo", json.RawMessage(`{"text":"hi"}`)))
}

func TestValidateRejectsInputViolatingSchema(t *testing.T) {
	r := NewRegistry()
	schema := `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`
	require.NoError(t, r.Register(syncSpec("echo", schema)))

	require.Error(t, r.Validate("echo", json.RawMessage(`{}`)))
}

func TestValidateAcceptsAnyInputWithoutSchema(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(syncSpec("echo", "")))
	require.NoError(t, r.Validate("echo", json.RawMessage(`{"anything":1}`)))
}

func TestValidateUnknownToolErrors(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Validate("missing", json.RawMessage(`{}`)))
}

func TestNamesListsRegisteredTools(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(syncSpec("a", "")))
	require.NoError(t, r.Register(syncSpec("b", "")))
	require.ElementsMatch(t, []string{"a", "b"}, r.Names())
}

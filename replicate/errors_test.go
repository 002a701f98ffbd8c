package replicate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindsAndRetriability(t *testing.T) {
	require.False(t, ConfigError("initialize", "missing 'host'").Retriable)
	require.False(t, SchemaMismatchError("initialize", "missing column").Retriable)
	require.False(t, PayloadError("replicate", errors.New("bad json")).Retriable)

	require.True(t, ConnectivityError("replicate", errors.New("timeout")).Retriable)
	require.True(t, TransientError("replicate", errors.New("429")).Retriable)
}

func TestAuthErrorRetriability(t *testing.T) {
	var expired = AuthError("replicate", errors.New("token expired"), true, "refresh credentials")
	require.True(t, expired.Retriable)
	require.Equal(t, "refresh credentials", expired.Suggestion)

	var rejected = AuthError("initialize", errors.New("access denied"), false, "")
	require.False(t, rejected.Retriable)
}

func TestErrorMessage(t *testing.T) {
	var e = ConfigError("initialize", "missing %q", "projectId")
	require.Equal(t, `initialize: missing "projectId"`, e.Error())

	e.Resource = "users"
	require.Equal(t, `initialize users: missing "projectId"`, e.Error())
}

func TestErrorUnwrap(t *testing.T) {
	var cause = errors.New("connection refused")
	var e = ConnectivityError("initialize", cause)
	require.ErrorIs(t, e, cause)
}

func TestWithSuggestionCopies(t *testing.T) {
	var base = ConfigError("initialize", "dataset not found")
	var suggested = base.WithSuggestion("create the dataset")
	require.Empty(t, base.Suggestion)
	require.Equal(t, "create the dataset", suggested.Suggestion)
	require.Equal(t, base.Message, suggested.Message)
}

func TestDependencyError(t *testing.T) {
	var e = DependencyError("initialize", "pg")
	require.Equal(t, KindDependency, e.Kind)
	require.Equal(t, "install pg", e.Suggestion)
}

func TestNotReadyError(t *testing.T) {
	var e = NotReadyError("bigquery", StateFailed)
	require.Equal(t, "bigquery", e.Driver)
	require.Contains(t, e.Message, "failed")
	require.Equal(t, "call initialize()", e.Suggestion)
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil, KindConnectivity, "replicate"))

	var tagged = ConfigError("initialize", "bad")
	require.Same(t, tagged, AsError(tagged, KindConnectivity, "replicate"))

	var wrapped = AsError(errors.New("dial tcp: refused"), KindConnectivity, "initialize")
	require.Equal(t, KindConnectivity, wrapped.Kind)
	require.True(t, wrapped.Retriable)
	require.Equal(t, "initialize", wrapped.Op)
}

func TestErrorSerialises(t *testing.T) {
	var e = TransientError("replicate", errors.New("rows in streaming buffer")).
		WithSuggestion("retry after the buffer drains")
	e.Driver = "bigquery"
	e.Resource = "events"

	var raw, err = json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "transient", decoded["kind"])
	require.Equal(t, true, decoded["retriable"])
	require.Equal(t, "bigquery", decoded["driver"])
	require.Equal(t, "retry after the buffer drains", decoded["suggestion"])
}

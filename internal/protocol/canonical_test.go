package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashParams_KeyOrderInsensitive(t *testing.T) {
	a, err := HashParams(json.RawMessage(`{"topic":"golang","limit":25,"timeRange":"day"}`))
	require.NoError(t, err)
	b, err := HashParams(json.RawMessage(`{ "timeRange": "day", "limit": 25, "topic": "golang" }`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashParams_NestedObjects(t *testing.T) {
	a, err := HashParams(json.RawMessage(`{"weights":{"keyword":0.4,"semantic":0.6},"topics":["a","b"]}`))
	require.NoError(t, err)
	b, err := HashParams(json.RawMessage(`{"topics":["a","b"],"weights":{"semantic":0.6,"keyword":0.4}}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHashParams_ArrayOrderSignificant(t *testing.T) {
	a, err := HashParams(json.RawMessage(`{"topics":["a","b"]}`))
	require.NoError(t, err)
	b, err := HashParams(json.RawMessage(`{"topics":["b","a"]}`))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashParams_NilIsEmptyObject(t *testing.T) {
	a, err := HashParams(nil)
	require.NoError(t, err)
	b, err := HashParams(json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHashParams_MalformedJSON(t *testing.T) {
	_, err := HashParams(json.RawMessage(`{"unclosed":`))
	assert.Error(t, err)
}

func TestCanonicalJSON_NumbersKeepRepresentation(t *testing.T) {
	out, err := canonicalise(json.RawMessage(`{"limit":10,"threshold":0.7}`))
	require.NoError(t, err)

	// json.Number preserves the source representation; 10 must not turn into
	// 1e+01 and break hash stability.
	assert.Equal(t, `{"limit":10,"threshold":0.7}`, string(out))
}

func TestHashContent_Deterministic(t *testing.T) {
	assert.Equal(t, HashContent("hello world"), HashContent("hello world"))
	assert.NotEqual(t, HashContent("hello world"), HashContent("hello worlds"))
}

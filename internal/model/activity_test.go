package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityRoundTrip(t *testing.T) {
	notBefore := NormalizeTime(time.Date(2024, 3, 4, 10, 15, 0, 123456789, time.UTC))
	parent := "20240304T101500-abc-1"

	original := &Activity{
		ID:        "20240304T101501-abc-2",
		Type:      "ShellCommand",
		Payload:   json.RawMessage(`{"command":"echo","args":["a","b"],"env":{"nested":{"deep":[1,2,{"x":null}]}}}`),
		CreatedAt: NormalizeTime(time.Date(2024, 3, 4, 10, 15, 1, 0, time.UTC)),
		NotBefore: &notBefore,
		Attempts:  3,
		CausedBy:  &parent,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Activity
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Type, decoded.Type)
	assert.JSONEq(t, string(original.Payload), string(decoded.Payload))
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
	require.NotNil(t, decoded.NotBefore)
	assert.True(t, original.NotBefore.Equal(*decoded.NotBefore))
	assert.Equal(t, original.Attempts, decoded.Attempts)
	assert.Equal(t, parent, decoded.Parent())

	t.Run("NullableFields", func(t *testing.T) {
		data, err := json.Marshal(&Activity{ID: "x", Type: "ShellCommand", Payload: json.RawMessage("null")})
		require.NoError(t, err)
		assert.Contains(t, string(data), `"not_before":null`)
		assert.Contains(t, string(data), `"caused_by":null`)
		assert.NotContains(t, string(data), "Queue")
	})
}

func TestActivityIsDue(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	a := &Activity{}
	assert.True(t, a.IsDue(now))

	future := now.Add(time.Second)
	a.NotBefore = &future
	assert.False(t, a.IsDue(now))
	assert.True(t, a.IsDue(future))
}

func TestEncodePayload(t *testing.T) {
	raw, err := EncodePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	raw, err = EncodePayload(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	_, err = EncodePayload(json.RawMessage(`{bad`))
	assert.Error(t, err)

	spec, err := NewSpec("ShellCommand", FailureNotice{FailedID: "x"})
	require.NoError(t, err)

	var notice FailureNotice
	require.NoError(t, (&Activity{Type: spec.Type, Payload: spec.Payload}).DecodePayload(&notice))
	assert.Equal(t, "x", notice.FailedID)
}

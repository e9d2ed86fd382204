package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantMethod  string
		expectError bool
	}{
		{
			name:       "subscribe",
			input:      `{"id": 1, "method": "mining.subscribe", "params": ["cpuminer/2.5.0", null]}`,
			wantMethod: "mining.subscribe",
		},
		{
			name:       "authorize",
			input:      `{"id": 2, "method": "mining.authorize", "params": ["x.rig1", "x"]}`,
			wantMethod: "mining.authorize",
		},
		{
			name:        "invalid json",
			input:       `{"id": 1, "method": "mining.subscribe"`,
			expectError: true,
		},
		{
			name:        "missing method",
			input:       `{"id": 1}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, req)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, req.Method)
		})
	}
}

func TestLooksLikeResponse(t *testing.T) {
	assert.True(t, LooksLikeResponse(`{"id":1,"result":true,"error":null}`))
	assert.False(t, LooksLikeResponse(`{"id":1,"method":"mining.submit","params":[]}`))
	assert.False(t, LooksLikeResponse(`{"method":"mining.notify","params":[]}`))
}

func TestResponseRoundTrip(t *testing.T) {
	resp := NewResult(RawID(7), true)
	line, err := resp.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"id":7,"result":true,"error":null}`, line)

	parsed, err := ParseResponse(line)
	require.NoError(t, err)
	assert.Equal(t, true, parsed.Result)
	assert.Nil(t, parsed.Error)
}

func TestNewInvalidStateError(t *testing.T) {
	resp := NewInvalidStateError(RawID(3))
	line, err := resp.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"id":3,"result":null,"error":[20,"Invalid message for current state",null]}`, line)
}

func TestNewSetDifficulty(t *testing.T) {
	n := NewSetDifficulty(8192)
	line, err := n.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"method":"mining.set_difficulty","params":[8192]}`, line)
}

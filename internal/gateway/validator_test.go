package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	msg, err := v.DecodeCommand([]byte(`{"id":"abc","command":"Control.ColorHsb","options":["0.5,1,0.8","2"],"source":"console"}`))
	require.NoError(t, err)
	assert.Equal(t, CommandMessage{
		ID:      "abc",
		Command: "Control.ColorHsb",
		Options: []string{"0.5,1,0.8", "2"},
		Source:  "console",
	}, msg)

	msg, err = v.DecodeCommand([]byte(`{"command":"Controller.NodeAdd"}`))
	require.NoError(t, err)
	assert.Empty(t, msg.ID)
	assert.Empty(t, msg.Options)
}

func TestDecodeCommandRejects(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
	}{
		{"not JSON", `Control.On`},
		{"array", `["Control.On"]`},
		{"missing command", `{"options":["1"]}`},
		{"command without group", `{"command":"On"}`},
		{"command with digits", `{"command":"Control.On1"}`},
		{"numeric option", `{"command":"Control.Level","options":[50]}`},
		{"too many options", `{"command":"Control.Level","options":["1","2","3","4","5","6","7","8","9"]}`},
		{"unknown field", `{"command":"Control.On","level":5}`},
		{"long id", `{"id":"` + strings.Repeat("x", 65) + `","command":"Control.On"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.DecodeCommand([]byte(tt.payload))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

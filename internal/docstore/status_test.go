package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusUploaded, StatusProcessing, true},
		{StatusProcessing, StatusReady, true},
		{StatusProcessing, StatusFailed, true},
		{StatusUploaded, StatusReady, false},
		{StatusUploaded, StatusFailed, false},
		{StatusReady, StatusProcessing, false},
		{StatusReady, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusProcessing, StatusUploaded, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusUploaded.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusReady.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestParseStatus(t *testing.T) {
	parsed, err := ParseStatus("READY")
	assert.NoError(t, err)
	assert.Equal(t, StatusReady, parsed)

	_, err = ParseStatus("ready")
	assert.Error(t, err)
}

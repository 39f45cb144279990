package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to DocumentStatus
		allowed  bool
	}{
		{StatusUploaded, StatusProcessing, true},
		{StatusUploaded, StatusFailed, true},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessed, StatusUploaded, true},
		{StatusProcessed, StatusFailed, true},
		{StatusFailed, StatusFailed, false},
		{StatusFailed, StatusUploaded, true},
		{StatusUploaded, StatusProcessed, false},
		{StatusProcessing, StatusUploaded, false},
		{StatusProcessed, StatusProcessing, false},
		{StatusFailed, StatusProcessed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.False(t, DocumentStatus("archived").Valid())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestFragmentID(t *testing.T) {
	assert.Equal(t, "doc-1:2:7", FragmentID("doc-1", 2, 7))
	assert.NotEqual(t, FragmentID("doc-1", 1, 0), FragmentID("doc-1", 2, 0))
}

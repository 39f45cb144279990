package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapse whitespace", "a\t\tb\n\n c", "a b c"},
		{"trim", "  padded  ", "padded"},
		{"control characters", "x\x00y\x07z", "xyz"},
		{"ligature", "\ufb01le \ufb02ow", "file flow"},
		{"soft hyphen", "co\u00adoperate", "cooperate"},
		{"zero width space", "a\u200bb", "ab"},
		{"non-breaking space", "a\u00a0b", "a b"},
		{"empty", "", ""},
		{"only whitespace", " \n\t ", ""},
		{"punctuation kept", "Art. 5(1): \"Yes\"; [no]!", "Art. 5(1): \"Yes\"; [no]!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

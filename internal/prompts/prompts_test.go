package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSuggestions(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		original string
		want     []string
	}{
		{
			name:     "plain lines",
			reply:    "alice_smith\nalice.smith\n",
			original: "alicesmith",
			want:     []string{"alice_smith", "alice.smith"},
		},
		{
			name:     "list markers and duplicates",
			reply:    "1. alice99\n- Alice99\n* `alice_`\nalicesmith",
			original: "alicesmith",
			want:     []string{"alice99", "alice_"},
		},
		{
			name:     "prose dropped for single-token identifiers",
			reply:    "Here are some options:\nbob1",
			original: "bob",
			want:     []string{"bob1"},
		},
		{
			name:     "names keep spaces",
			reply:    "Jon Smith\nJonathan Smith\nJohn Smith",
			original: "John Smith",
			want:     []string{"Jon Smith", "Jonathan Smith"},
		},
		{
			name:     "capped",
			reply:    "a1\na2\na3\na4\na5\na6\na7",
			original: "a",
			want:     []string{"a1", "a2", "a3", "a4", "a5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSuggestions(tt.reply, tt.original))
		})
	}
}

func TestBuildRescanPrompt(t *testing.T) {
	assert.Equal(t, "Type: username\nIdentifier: alice\nReturn at most 5 alternates.", BuildRescanPrompt("username", "alice"))
}

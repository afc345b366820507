package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFencedJSON(t *testing.T) {
	text := "Here is the result:\n```json\n{\"passed\": true}\n```\nDone."
	out, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"passed": true}`, out)
}

func TestExtractJSONBareFence(t *testing.T) {
	text := "```\n[1, 2, 3]\n```"
	out, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, out)
}

func TestExtractJSONUnfenced(t *testing.T) {
	out, err := ExtractJSON(`{"message": "ok", "count": 2}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"ok","count":2}`, out)
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	text := `Sure! The verification result is {"passed": false, "note": "id {7} missing"} as requested.`
	out, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"passed": false, "note": "id {7} missing"}`, out)
}

func TestExtractJSONArrayInProse(t *testing.T) {
	text := `Recommendations below. ["fix a", "fix b"] Hope that helps.`
	out, err := ExtractJSON(text)
	require.NoError(t, err)
	assert.JSONEq(t, `["fix a","fix b"]`, out)
}

func TestExtractJSONFailures(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"prose only", "I could not produce a result."},
		{"broken json", `{"passed": tru`},
		{"unterminated fence", "```json\n{\"a\": 1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractJSON(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalResponse(t *testing.T) {
	var out struct {
		Passed  bool   `json:"passed"`
		Message string `json:"message"`
	}
	err := UnmarshalResponse("```json\n{\"passed\": true, \"message\": \"all good\"}\n```", &out)
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, "all good", out.Message)

	err = UnmarshalResponse("no json here", &out)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	// Never splits a multi-byte rune.
	s := Truncate("aé", 2)
	assert.Equal(t, "a", s)
}

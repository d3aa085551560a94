package llmresponse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_PlainText(t *testing.T) {
	p := Parse("  all good here  ")
	assert.Equal(t, "all good here", p.Text)
	assert.False(t, p.HasJSON)
	assert.False(t, p.HasError)
}

func TestParse_JSONObject(t *testing.T) {
	p := Parse(`{"action": "complete", "reasoning": "done"}`)
	assert.True(t, p.HasJSON)
	assert.Equal(t, "complete", p.JSON["action"])
}

func TestParse_ErrorPrefixCaseInsensitive(t *testing.T) {
	for _, s := range []string{"Error: boom", "error: boom", "ERROR: boom", "Fatal: boom", "fatal: boom"} {
		p := Parse(s)
		assert.Truef(t, p.HasError, "expected HasError for %q", s)
	}
}

func TestParse_MidTextErrorDoesNotTrigger(t *testing.T) {
	p := Parse("The task raised an Error: nested inside a sentence")
	assert.False(t, p.HasError)
}

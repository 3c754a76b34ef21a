package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutputLine_DirectiveForm(t *testing.T) {
	k, v, ok := ParseOutputLine("::set-output name=VERSION::1.2.3")
	assert.True(t, ok)
	assert.Equal(t, "VERSION", k)
	assert.Equal(t, "1.2.3", v)
}

func TestParseOutputLine_BareAssignmentForm(t *testing.T) {
	k, v, ok := ParseOutputLine("BUILD_ID=42")
	assert.True(t, ok)
	assert.Equal(t, "BUILD_ID", k)
	assert.Equal(t, "42", v)
}

func TestParseOutputLine_RejectsOtherColonDirectives(t *testing.T) {
	_, _, ok := ParseOutputLine("::warning::something happened")
	assert.False(t, ok)
}

func TestParseOutputLine_RejectsKeyWithWhitespace(t *testing.T) {
	_, _, ok := ParseOutputLine("not a key=value")
	assert.False(t, ok)
}

func TestParseOutputLine_RejectsPlainText(t *testing.T) {
	_, _, ok := ParseOutputLine("just some log output")
	assert.False(t, ok)
}

func TestParseOutputs_LaterOverwritesEarlier(t *testing.T) {
	stdout := "KEY=first\nsome log line\nKEY=second\n::set-output name=OTHER::value\n"
	outputs := ParseOutputs(stdout)
	assert.Equal(t, "second", outputs["KEY"])
	assert.Equal(t, "value", outputs["OTHER"])
}

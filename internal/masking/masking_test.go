package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMasker_RedactsSecretValues(t *testing.T) {
	m := New(map[string]string{"API_KEY": "sekrit-value-123"})
	out := m.Mask("starting job with key sekrit-value-123 in env")
	assert.NotContains(t, out, "sekrit-value-123")
	assert.Contains(t, out, "***")
}

func TestMasker_IgnoresShortSecrets(t *testing.T) {
	m := New(map[string]string{"FLAG": "on"})
	out := m.Mask("debug mode is on")
	assert.Equal(t, "debug mode is on", out)
}

func TestMasker_NilAndEmptyAreNoOps(t *testing.T) {
	var m *Masker
	assert.Equal(t, "hello", m.Mask("hello"))

	m2 := New(nil)
	assert.Equal(t, "hello", m2.Mask("hello"))
}

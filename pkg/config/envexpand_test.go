package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutesVariables(t *testing.T) {
	t.Setenv("MAESTRO_EXPAND_HOST", "db.internal")
	t.Setenv("MAESTRO_EXPAND_PORT", "5432")

	out := ExpandEnv([]byte("url: {{.MAESTRO_EXPAND_HOST}}:{{.MAESTRO_EXPAND_PORT}}"))
	assert.Equal(t, "url: db.internal:5432", string(out))
}

func TestExpandEnvMissingVariableIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("key: {{.MAESTRO_EXPAND_DOES_NOT_EXIST}}"))
	assert.Equal(t, "key: ", string(out))
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	in := []byte(`pattern: "^secret.*$"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("key: {{.UNCLOSED")
	assert.Equal(t, in, ExpandEnv(in))
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

func TestEncryptRoundTrip(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, encrypt(strings.NewReader("sk-secret\n"), &out, "pass"))

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "enc:"), line)

	plain, err := config.DecryptValue(strings.TrimPrefix(line, "enc:"), "pass")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)
}

func TestEncryptRequiresPassphraseAndSecret(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, encrypt(strings.NewReader("x\n"), &out, ""))
	assert.Error(t, encrypt(strings.NewReader("\n"), &out, "pass"))
	assert.Empty(t, out.String())
}

func TestDispatch(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, dispatch([]string{"--help"}, nil, &out))
	assert.Contains(t, out.String(), "USAGE")

	out.Reset()
	require.NoError(t, dispatch([]string{"agents"}, nil, &out))
	assert.Contains(t, out.String(), domain.SynthesisAgentID)
	assert.Contains(t, out.String(), "coordinator")

	assert.ErrorContains(t, dispatch([]string{"bogus"}, nil, &out), "unknown command")
}

func TestConfigPath(t *testing.T) {
	t.Setenv("AGENTGATE_CONFIG", "")
	assert.Equal(t, "agentgate.yaml", configPath(nil))
	assert.Equal(t, "a.yaml", configPath([]string{"--config", "a.yaml"}))
	assert.Equal(t, "b.yaml", configPath([]string{"--config=b.yaml"}))

	t.Setenv("AGENTGATE_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", configPath(nil))
}

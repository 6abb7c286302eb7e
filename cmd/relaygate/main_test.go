package main

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/internal/version"
)

func TestVersionCommand(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.Info()+"\n", out.String())
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.AutomaticEnv()
	t.Setenv("PORT", "9000")
	t.Setenv("BIND_ADDRESS", "0.0.0.0")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9999"}))

	assert.Equal(t, "9999", viper.GetString("PORT"))
	assert.Equal(t, "0.0.0.0", viper.GetString("BIND_ADDRESS"), "unset flags fall through to the environment")
}

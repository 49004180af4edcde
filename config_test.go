package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfigRequiresToken verifies a missing token fails loading instead
// of producing a half-initialized config.
func TestLoadConfigRequiresToken(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")

	cfg, err := LoadConfig()
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Token: "tok"}
	assert.NoError(t, cfg.Validate())

	cfg.GuildID = "123"
	assert.Error(t, cfg.Validate(), "short GUILD_ID is not a snowflake")

	cfg.GuildID = "123456789012345678"
	assert.NoError(t, cfg.Validate())

	cfg.Token = ""
	assert.Error(t, cfg.Validate())
}

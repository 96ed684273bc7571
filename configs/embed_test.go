package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/ragindex/internal/config"
)

func TestConfigTemplate_MatchesDefaults(t *testing.T) {
	// Given: the defaults
	want := config.NewConfig()

	// When: decoding the template over the same defaults
	got := config.NewConfig()
	require.NoError(t, yaml.Unmarshal([]byte(ConfigTemplate), got))

	// Then: nothing changes and the result validates
	assert.Equal(t, want, got)
	assert.NoError(t, got.Validate())
}

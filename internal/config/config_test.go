package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Engine.DefaultCapacity)
	assert.Equal(t, 5*time.Minute, cfg.Cache.ConfigTTL.Std())
	assert.Equal(t, 10*time.Minute, cfg.Cache.SkillTTL.Std())
	assert.Equal(t, []string{"online", "available"}, cfg.Engine.EligibleStatuses)
	assert.True(t, cfg.Engine.SerializePerQueue)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
engine:
  load_scope: tenant
  eligible_statuses: [online]
cache:
  config_ttl: 30s
`))
	require.NoError(t, err)
	assert.Equal(t, LoadScopeTenant, cfg.Engine.LoadScope)
	assert.Equal(t, []string{"online"}, cfg.Engine.EligibleStatuses)
	assert.Equal(t, 30*time.Second, cfg.Cache.ConfigTTL.Std())
	assert.Equal(t, 10*time.Minute, cfg.Cache.SkillTTL.Std())
	assert.Equal(t, 10, cfg.Engine.DefaultCapacity)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"scope":    "engine:\n  load_scope: global\n",
		"capacity": "engine:\n  default_capacity: 0\n",
		"status":   "engine:\n  eligible_statuses: [sleeping]\n",
		"duration": "cache:\n  config_ttl: soon\n",
		"sweeper":  "sweeper:\n  enabled: true\n  schedule: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "queueline.yml"), []byte("engine:\n  default_capacity: 3\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.DefaultCapacity)
}

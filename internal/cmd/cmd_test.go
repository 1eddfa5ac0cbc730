package cmd

import (
	"log/slog"
	"testing"
	"time"

	"github.com/clambin/go-common/charmer"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfig_Defaults(t *testing.T) {
	v := viper.New()
	require.NoError(t, charmer.SetDefaults(v, args))

	cfg, err := buildConfig(v, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.StatusAddr)
	assert.Equal(t, 3*time.Second, cfg.Queue.Debounce)
	assert.Len(t, cfg.Planner.Tracks, 4)

	// bulk zone operations fuse by default
	assert.Contains(t, cfg.Queue.Fusion, "overlay")
	assert.Contains(t, cfg.Queue.Fusion, "resume")
	assert.Equal(t, "rooms", cfg.Queue.Fusion["resume"].Envelope)
}

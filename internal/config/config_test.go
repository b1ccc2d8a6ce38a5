package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2, cfg.Call.MaxRetries)
	assert.Equal(t, Duration(90*time.Second), cfg.Call.RingTimeout)
	assert.Equal(t, StrategyDirect, cfg.Strategy)

	// Defaults only lack an identity.
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userId")

	cfg.UserID = "alice"
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"userId": "alice",
		"strategy": "room",
		"whipUrl": "https://sfu.example/whip",
		"call": {"ringTimeout": "30s", "maxRetries": 4}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, StrategyRoom, cfg.Strategy)
	assert.Equal(t, Duration(30*time.Second), cfg.Call.RingTimeout)
	assert.Equal(t, 4, cfg.Call.MaxRetries)
	assert.Equal(t, Duration(2*time.Second), cfg.Call.GraceDelay)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"call": {"graceDelay": "soon"}}`), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.UserID = "alice"
	cfg.Strategy = StrategyRoom
	cfg.Signaling = "carrier-pigeon"
	cfg.Call.MaxRetries = -1
	cfg.Call.ExcellentRTT = cfg.Call.GoodRTT

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"whipUrl", "carrier-pigeon", "maxRetries", "excellentRtt"} {
		assert.Contains(t, err.Error(), want)
	}
}

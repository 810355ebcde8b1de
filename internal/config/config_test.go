package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/soyunomas/topowarden/internal/errors"
)

const sampleConfig = `
[system]
sensor_name = "core-sw-sensor"
log_level = "debug"

[network]
interfaces = ["eth0", "eth1"]
multicast_only = true

[dissector]
lldp = true
cdp = false

[topology]
max_lldp_neighbors = 16
max_vlans = 9000

[pattern]
max_flows = 500
flow_window = "30s"

[pattern.thresholds]
cyclic_max_cv = 0.25

[alerts.webhook]
enabled = true
url = "http://127.0.0.1:9999/hook"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "core-sw-sensor", cfg.System.SensorName)
	assert.Equal(t, []string{"eth0", "eth1"}, cfg.Network.Interfaces)
	assert.True(t, cfg.Network.MulticastOnly)
	assert.True(t, cfg.Dissector.LLDP)
	assert.False(t, cfg.Dissector.CDP)
	// STP/IGMP no aparecen en el fichero: se mantienen los defaults
	assert.True(t, cfg.Dissector.STP)
	assert.True(t, cfg.Dissector.IGMP)

	assert.Equal(t, 16, cfg.Topology.MaxLLDPNeighbors)
	assert.Equal(t, 4094, cfg.Topology.MaxVLANs, "VLAN cap is clamped to the 802.1Q limit")
	assert.Equal(t, 500, cfg.Pattern.MaxFlows)
	assert.Equal(t, 20, cfg.Pattern.SampleCacheSize)
	assert.Equal(t, 0.25, cfg.Pattern.Thresholds.CyclicMaxCV)
	assert.True(t, cfg.Alerts.Webhook.Enabled)
	assert.Equal(t, 9216, cfg.Network.SnapLen)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Equal(t, werrors.KindValidation, werrors.GetKind(err))

	_, err = LoadConfig(writeConfig(t, "[system\nbroken"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "[pattern.thresholds]\nsequence_match_ratio = 1.5\n"))
	require.Error(t, err)
	assert.Equal(t, "sequence_match_ratio", werrors.GetAttributes(err)["field"])

	_, err = LoadConfig(writeConfig(t, "[pattern.thresholds]\npolling_ratio_min = 1.5\npolling_ratio_max = 1.1\n"))
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseDuration("30s", time.Minute, "x"))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, "x"))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute, "x"))
	assert.Equal(t, time.Minute, ParseDuration("-5s", time.Minute, "x"))
}

// El fichero de ejemplo del repositorio debe cargar sin errores
func TestLoadConfig_ShippedExample(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, "TopoWarden-Plant-A", cfg.System.SensorName)
	assert.Equal(t, []string{"eth0"}, cfg.Network.Interfaces)
	assert.True(t, cfg.Dissector.CDP)
	assert.Equal(t, 4094, cfg.Topology.MaxVLANs)
	assert.Equal(t, 0.3, cfg.Pattern.Thresholds.CyclicMaxCV)
	assert.Equal(t, 2, cfg.Pattern.Thresholds.LengthFieldTolerance)
}

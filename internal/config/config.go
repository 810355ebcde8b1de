package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	werrors "github.com/soyunomas/topowarden/internal/errors"
)

type Config struct {
	System    SystemConfig    `toml:"system"`
	Network   NetworkConfig   `toml:"network"`
	Dissector DissectorConfig `toml:"dissector"`
	Topology  TopologyConfig  `toml:"topology"`
	Pattern   PatternConfig   `toml:"pattern"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Alerts    AlertsConfig    `toml:"alerts"`
}

type SystemConfig struct {
	SensorName      string `toml:"sensor_name"`
	LogFile         string `toml:"log_file"`
	LogLevel        string `toml:"log_level"`  // debug | info | warn | error
	LogFormat       string `toml:"log_format"` // json | text
	SummaryInterval string `toml:"summary_interval"`
}

type NetworkConfig struct {
	Interfaces    []string `toml:"interfaces"`
	SnapLen       int      `toml:"snaplen"`
	Promiscuous   bool     `toml:"promiscuous"`
	MulticastOnly bool     `toml:"multicast_only"` // BPF: solo broadcast/multicast al user-space
}

// DissectorConfig habilita los decodificadores opcionales.
// Un protocolo deshabilitado simplemente nunca se detecta.
type DissectorConfig struct {
	LLDP bool `toml:"lldp"`
	CDP  bool `toml:"cdp"`
	STP  bool `toml:"stp"`
	IGMP bool `toml:"igmp"`
}

type TopologyConfig struct {
	MaxLLDPNeighbors   int `toml:"max_lldp_neighbors"`
	MaxCDPNeighbors    int `toml:"max_cdp_neighbors"`
	MaxVLANs           int `toml:"max_vlans"`
	MaxMACsPerVLAN     int `toml:"max_macs_per_vlan"`
	MaxMulticastGroups int `toml:"max_multicast_groups"`
	MaxGroupMembers    int `toml:"max_group_members"`
	MaxSTPBridges      int `toml:"max_stp_bridges"`
	MaxDevices         int `toml:"max_devices"`
}

type PatternConfig struct {
	AnalyzeKnownProtocols bool             `toml:"analyze_known_protocols"`
	MaxFlows              int              `toml:"max_flows"`
	FlowWindow            string           `toml:"flow_window"`
	SampleCacheSize       int              `toml:"sample_cache_size"`
	MaxLabels             int              `toml:"max_labels"`
	Thresholds            ThresholdsConfig `toml:"thresholds"`
}

// ThresholdsConfig: valores 0 = usar la constante por defecto del paquete pattern.
type ThresholdsConfig struct {
	LengthFieldMatchRatio float64 `toml:"length_field_match_ratio"`
	LengthFieldTolerance  int     `toml:"length_field_tolerance"`
	SequenceMatchRatio    float64 `toml:"sequence_match_ratio"`
	CyclicMaxCV           float64 `toml:"cyclic_max_cv"`
	PollingRatioMin       float64 `toml:"polling_ratio_min"`
	PollingRatioMax       float64 `toml:"polling_ratio_max"`
	PollingSizeShare      float64 `toml:"polling_size_share"`
	EncryptedEntropy      float64 `toml:"encrypted_entropy"`
	PrintableRatio        float64 `toml:"printable_ratio"`
}

type TelemetryConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

type AlertsConfig struct {
	SyslogServer string         `toml:"syslog_server"`
	Webhook      WebhookConfig  `toml:"webhook"`
	Smtp         SmtpConfig     `toml:"smtp"`
	Telegram     TelegramConfig `toml:"telegram"`
}

type WebhookConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

type SmtpConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	To      string `toml:"to"`
	From    string `toml:"from"`
}

type TelegramConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
	ChatID  string `toml:"chat_id"`
}

// Default devuelve la configuración efectiva sin fichero.
func Default() *Config {
	cfg := &Config{
		Dissector: DissectorConfig{LLDP: true, CDP: true, STP: true, IGMP: true},
		Network:   NetworkConfig{Promiscuous: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, werrors.Wrapf(err, werrors.KindValidation, "reading config %s", path)
	}
	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, werrors.Wrapf(err, werrors.KindValidation, "decoding config %s", path)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults rellena los valores cero.
func (c *Config) ApplyDefaults() {
	if c.System.SensorName == "" {
		c.System.SensorName = "TopoWarden"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.LogFormat == "" {
		c.System.LogFormat = "text"
	}
	if c.System.SummaryInterval == "" {
		c.System.SummaryInterval = "60s"
	}
	if c.Network.SnapLen <= 0 {
		c.Network.SnapLen = 9216
	}

	t := &c.Topology
	if t.MaxLLDPNeighbors <= 0 {
		t.MaxLLDPNeighbors = 1000
	}
	if t.MaxCDPNeighbors <= 0 {
		t.MaxCDPNeighbors = 1000
	}
	// 802.1Q: 12 bits, 0 y 4095 reservados
	if t.MaxVLANs <= 0 || t.MaxVLANs > 4094 {
		t.MaxVLANs = 4094
	}
	if t.MaxMACsPerVLAN <= 0 {
		t.MaxMACsPerVLAN = 4096
	}
	if t.MaxMulticastGroups <= 0 {
		t.MaxMulticastGroups = 1000
	}
	if t.MaxGroupMembers <= 0 {
		t.MaxGroupMembers = 100
	}
	if t.MaxSTPBridges <= 0 {
		t.MaxSTPBridges = 256
	}
	if t.MaxDevices <= 0 {
		t.MaxDevices = 10000
	}

	p := &c.Pattern
	if p.MaxFlows <= 0 {
		p.MaxFlows = 10000
	}
	if p.FlowWindow == "" {
		p.FlowWindow = "60s"
	}
	if p.SampleCacheSize <= 0 {
		p.SampleCacheSize = 20
	}
	if p.MaxLabels <= 0 {
		p.MaxLabels = 10000
	}

	if c.Telemetry.ListenAddress == "" {
		c.Telemetry.ListenAddress = ":9090"
	}
}

// Validate revisa lo que ApplyDefaults no puede corregir.
func (c *Config) Validate() error {
	th := c.Pattern.Thresholds
	for name, v := range map[string]float64{
		"length_field_match_ratio": th.LengthFieldMatchRatio,
		"sequence_match_ratio":     th.SequenceMatchRatio,
		"polling_size_share":       th.PollingSizeShare,
		"printable_ratio":          th.PrintableRatio,
	} {
		if v < 0 || v > 1 {
			return werrors.Attr(werrors.Errorf(werrors.KindValidation,
				"pattern.thresholds.%s must be within [0,1], got %v", name, v), "field", name)
		}
	}
	if th.PollingRatioMin > 0 && th.PollingRatioMax > 0 && th.PollingRatioMin > th.PollingRatioMax {
		return werrors.Errorf(werrors.KindValidation,
			"pattern.thresholds.polling_ratio_min (%v) > polling_ratio_max (%v)", th.PollingRatioMin, th.PollingRatioMax)
	}
	if th.EncryptedEntropy < 0 || th.EncryptedEntropy > 8 {
		return werrors.Errorf(werrors.KindValidation, "pattern.thresholds.encrypted_entropy must be within [0,8], got %v", th.EncryptedEntropy)
	}
	if th.LengthFieldTolerance < 0 {
		return werrors.Errorf(werrors.KindValidation, "pattern.thresholds.length_field_tolerance must be >= 0")
	}
	return nil
}

// ParseDuration aplica el idiom del proyecto: valor inválido => warning + fallback.
func ParseDuration(raw string, fallback time.Duration, field string) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "field", field, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

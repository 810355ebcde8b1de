package pattern

import (
	"time"

	"github.com/soyunomas/topowarden/internal/config"
)

// Umbrales heurísticos. Se pueden sobreescribir en [pattern.thresholds].
const (
	DefaultLengthFieldMatchRatio = 0.7
	DefaultLengthFieldTolerance  = 2
	DefaultSequenceMatchRatio    = 0.6
	DefaultCyclicMaxCV           = 0.3
	DefaultPollingRatioMin       = 0.8
	DefaultPollingRatioMax       = 1.2
	DefaultPollingSizeShare      = 0.3
	DefaultEncryptedEntropy      = 7.0
	DefaultPrintableRatio        = 0.8
)

// Mínimos de muestras y límites de escaneo.
const (
	MinStructureSamples   = 3
	MinLengthFieldPayload = 4
	MinCyclicSamples      = 5
	MinPollingPackets     = 10
	MinBusParticipants    = 2

	MaxLengthFieldOffset  = 8
	MaxSequenceOffset     = 8
	MaxMessageTypeOffset  = 16
	MaxMessageTypeValues  = 16
	MaxFixedHeaderScan    = 32
	MinFixedHeaderLength  = 2
	MaxFlowSamples        = 100
	MaxCommonSizes        = 3
	MaxBusExamples        = 10
	MaxGroupSources       = 256
	MaxMulticastBusGroups = 1000

	// Varianza (bytes^2) por encima de la cual un offset de alineación no es cabecera fija.
	FieldVarianceThreshold = 64.0

	DefaultSampleCacheSize = 20
	DefaultMaxFlows        = 10000
	DefaultFlowWindow      = 60 * time.Second
	DefaultMaxLabels       = 10000

	FingerprintHexLen = 12
)

// Offsets de cabecera externa que prueba el detector de encapsulación.
var encapsulationOffsets = []int{0, 2, 4, 8}

// Thresholds agrupa los umbrales efectivos.
type Thresholds struct {
	LengthFieldMatchRatio float64
	LengthFieldTolerance  int
	SequenceMatchRatio    float64
	CyclicMaxCV           float64
	PollingRatioMin       float64
	PollingRatioMax       float64
	PollingSizeShare      float64
	EncryptedEntropy      float64
	PrintableRatio        float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		LengthFieldMatchRatio: DefaultLengthFieldMatchRatio,
		LengthFieldTolerance:  DefaultLengthFieldTolerance,
		SequenceMatchRatio:    DefaultSequenceMatchRatio,
		CyclicMaxCV:           DefaultCyclicMaxCV,
		PollingRatioMin:       DefaultPollingRatioMin,
		PollingRatioMax:       DefaultPollingRatioMax,
		PollingSizeShare:      DefaultPollingSizeShare,
		EncryptedEntropy:      DefaultEncryptedEntropy,
		PrintableRatio:        DefaultPrintableRatio,
	}
}

// ThresholdsFromConfig: los valores cero conservan el default.
func ThresholdsFromConfig(c config.ThresholdsConfig) Thresholds {
	th := DefaultThresholds()
	if c.LengthFieldMatchRatio > 0 {
		th.LengthFieldMatchRatio = c.LengthFieldMatchRatio
	}
	if c.LengthFieldTolerance > 0 {
		th.LengthFieldTolerance = c.LengthFieldTolerance
	}
	if c.SequenceMatchRatio > 0 {
		th.SequenceMatchRatio = c.SequenceMatchRatio
	}
	if c.CyclicMaxCV > 0 {
		th.CyclicMaxCV = c.CyclicMaxCV
	}
	if c.PollingRatioMin > 0 {
		th.PollingRatioMin = c.PollingRatioMin
	}
	if c.PollingRatioMax > 0 {
		th.PollingRatioMax = c.PollingRatioMax
	}
	if c.PollingSizeShare > 0 {
		th.PollingSizeShare = c.PollingSizeShare
	}
	if c.EncryptedEntropy > 0 {
		th.EncryptedEntropy = c.EncryptedEntropy
	}
	if c.PrintableRatio > 0 {
		th.PrintableRatio = c.PrintableRatio
	}
	return th
}

package pattern

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
//  Flow Tracker
// =============================================================================

func TestFlowKey_OrderIndependent(t *testing.T) {
	a := FlowKey("10.0.0.1", 50000, "10.0.0.2", 502)
	b := FlowKey("10.0.0.2", 502, "10.0.0.1", 50000)
	assert.Equal(t, a, b)

	v6 := FlowKey("fe80::1", 1, "fe80::2", 2)
	assert.Equal(t, "[fe80::1]:1<->[fe80::2]:2", v6)
}

func TestFlowTracker_Cyclic(t *testing.T) {
	ft := NewFlowTracker(100, time.Minute, DefaultThresholds())

	var key string
	for i := 0; i < 20; i++ {
		jitter := 5 * time.Millisecond
		if i%2 == 1 {
			jitter = -jitter
		}
		ts := base.Add(time.Duration(i)*100*time.Millisecond + jitter)
		key, _ = ft.RecordPacket("10.0.0.1", "10.0.0.2", 40000, 20000, 32, ts)
	}

	c := ft.DetectCyclicPattern(key)
	require.True(t, c.IsCyclic)
	assert.InDelta(t, 100.0, c.PeriodMs, 2.0)
	assert.Less(t, c.CoefficientOfVariation, DefaultCyclicMaxCV)
	assert.InDelta(t, 1-c.CoefficientOfVariation, c.Regularity, 1e-9)
	assert.Equal(t, 20, c.Samples)
}

func TestFlowTracker_NotCyclic(t *testing.T) {
	ft := NewFlowTracker(100, time.Minute, DefaultThresholds())

	ts := base
	var key string
	for i := 0; i < 12; i++ {
		if i%2 == 0 {
			ts = ts.Add(10 * time.Millisecond)
		} else {
			ts = ts.Add(500 * time.Millisecond)
		}
		key, _ = ft.RecordPacket("10.0.0.1", "10.0.0.2", 40000, 20000, 32, ts)
	}
	assert.False(t, ft.DetectCyclicPattern(key).IsCyclic)

	// Menos de 5 marcas de tiempo: nunca cíclico
	short, _ := ft.RecordPacket("10.0.0.3", "10.0.0.4", 1, 2, 0, base)
	assert.False(t, ft.DetectCyclicPattern(short).IsCyclic)

	// Marcas idénticas: media 0
	for i := 0; i < 6; i++ {
		ft.RecordPacket("10.0.0.5", "10.0.0.6", 1, 2, 0, base)
	}
	assert.False(t, ft.DetectCyclicPattern(FlowKey("10.0.0.5", 1, "10.0.0.6", 2)).IsCyclic)

	assert.Equal(t, CyclicPattern{}, ft.DetectCyclicPattern("missing"))
}

func TestFlowTracker_MasterSlave(t *testing.T) {
	ft := NewFlowTracker(100, time.Minute, DefaultThresholds())

	var key string
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * 50 * time.Millisecond)
		if i%2 == 0 {
			key, _ = ft.RecordPacket("192.168.1.10", "192.168.1.20", 49152, 502, 12, ts)
		} else {
			key, _ = ft.RecordPacket("192.168.1.20", "192.168.1.10", 502, 49152, 20, ts)
		}
	}

	ms := ft.DetectMasterSlave(key)
	require.True(t, ms.IsMasterSlave)
	assert.InDelta(t, 1.0, ms.Ratio, 1e-9)
	assert.Equal(t, uint64(5), ms.RequestCount)
	assert.Equal(t, uint64(5), ms.ResponseCount)
	assert.Equal(t, []int{12, 20}, ms.CommonSizes)
	assert.InDelta(t, 0.5, ms.DominantSizeShare, 1e-9)

	// Un solo sentido: sin respuestas no hay sondeo
	var oneWay string
	for i := 0; i < 12; i++ {
		oneWay, _ = ft.RecordPacket("192.168.1.30", "192.168.1.40", 1000, 2000, 12, base)
	}
	assert.False(t, ft.DetectMasterSlave(oneWay).IsMasterSlave)
}

func TestFlowTracker_MasterSlaveNeedsTenPackets(t *testing.T) {
	ft := NewFlowTracker(100, time.Minute, DefaultThresholds())
	var key string
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			key, _ = ft.RecordPacket("10.1.1.1", "10.1.1.2", 1, 2, 12, base)
		} else {
			key, _ = ft.RecordPacket("10.1.1.2", "10.1.1.1", 2, 1, 12, base)
		}
	}
	assert.False(t, ft.DetectMasterSlave(key).IsMasterSlave)
}

func TestFlowTracker_MulticastBus(t *testing.T) {
	ft := NewFlowTracker(100, time.Minute, DefaultThresholds())

	for _, src := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2", "10.0.0.1"} {
		ft.RecordPacket(src, "224.0.0.251", 5353, 5353, 40, base)
	}
	ft.RecordPacket("10.0.0.9", "239.1.1.1", 4000, 4000, 40, base)
	ft.RecordPacket("10.0.0.9", "10.0.0.10", 4000, 4000, 40, base)

	buses := ft.DetectMulticastBus()
	require.Len(t, buses, 1)
	assert.Equal(t, "224.0.0.251", buses[0].Group)
	assert.Equal(t, "mDNS", buses[0].Protocol)
	assert.Equal(t, 3, buses[0].ParticipantCount)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, buses[0].Participants)

	_, ok := ft.MulticastBusFor("239.1.1.1")
	assert.False(t, ok)
}

func TestFlowTracker_BusExamplesCapped(t *testing.T) {
	ft := NewFlowTracker(1000, time.Minute, DefaultThresholds())
	for i := 0; i < 25; i++ {
		ft.RecordPacket(fmt.Sprintf("10.0.1.%d", i+1), "239.255.255.250", 1900, 1900, 100, base)
	}
	bus, ok := ft.MulticastBusFor("239.255.255.250")
	require.True(t, ok)
	assert.Equal(t, 25, bus.ParticipantCount)
	assert.Len(t, bus.Participants, MaxBusExamples)
}

func TestFlowTracker_CapacityAndCleanup(t *testing.T) {
	ft := NewFlowTracker(2, time.Minute, DefaultThresholds())

	_, ok := ft.RecordPacket("10.0.0.1", "10.0.0.2", 1, 2, 10, base)
	require.True(t, ok)
	_, ok = ft.RecordPacket("10.0.0.1", "10.0.0.3", 1, 2, 10, base)
	require.True(t, ok)

	// Tabla llena y nada caducado: el flujo nuevo se descarta
	_, ok = ft.RecordPacket("10.0.0.1", "10.0.0.4", 1, 2, 10, base.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, 2, ft.Len())
	assert.Equal(t, uint64(1), ft.Dropped())

	// Los flujos existentes siguen actualizándose
	_, ok = ft.RecordPacket("10.0.0.2", "10.0.0.1", 2, 1, 10, base.Add(time.Second))
	assert.True(t, ok)

	// Pasada la ventana, la purga libera espacio
	key, ok := ft.RecordPacket("10.0.0.1", "10.0.0.4", 1, 2, 10, base.Add(2*time.Minute))
	assert.True(t, ok)
	assert.True(t, ft.Has(key))
	assert.Equal(t, 1, ft.Len())
}

func TestFlowTracker_BoundedHistory(t *testing.T) {
	ft := NewFlowTracker(10, time.Minute, DefaultThresholds())
	for i := 0; i < 150; i++ {
		ft.RecordPacket("10.0.0.1", "10.0.0.2", 1, 2, i, base.Add(time.Duration(i)*time.Millisecond))
	}
	flows := ft.Flows()
	require.Len(t, flows, 1)
	assert.Len(t, flows[0].Timestamps, MaxFlowSamples)
	assert.Len(t, flows[0].PayloadSizes, MaxFlowSamples)
	assert.Equal(t, 149, flows[0].PayloadSizes[MaxFlowSamples-1])
	assert.Equal(t, 50, flows[0].PayloadSizes[0])
	assert.Equal(t, uint64(150), flows[0].Packets)
}

// =============================================================================
//  Orquestador
// =============================================================================

func TestDetector_FingerprintDeterministic(t *testing.T) {
	samples := lengthFramed(5)
	run := func() PatternDetectionResult {
		d := NewDetector(DefaultOptions())
		var res PatternDetectionResult
		for i, s := range samples {
			res = d.AnalyzePacket(s, "10.0.0.1", "10.0.0.2", 40000, 30000, "udp", base.Add(time.Duration(i)*time.Second))
		}
		return res
	}
	r1, r2 := run(), run()

	assert.Equal(t, r1.Fingerprint, r2.Fingerprint)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{12}$`), r1.Fingerprint)
	assert.Equal(t, HashDescriptor(r1.FingerprintDescriptor), r1.Fingerprint)
	assert.Contains(t, r1.FingerprintDescriptor, "len@2:2")
	assert.Contains(t, r1.FingerprintDescriptor, "bin")
	assert.Equal(t, "UDP", r1.Transport)
	assert.True(t, r1.Tracked)
}

func TestDetector_CyclicClassification(t *testing.T) {
	d := NewDetector(DefaultOptions())
	samples := lengthFramed(10)

	var res PatternDetectionResult
	for i, s := range samples {
		res = d.AnalyzePacket(s, "10.0.0.1", "10.0.0.2", 40000, 30000, "UDP", base.Add(time.Duration(i)*100*time.Millisecond))
	}
	require.NotNil(t, res.Pattern)
	assert.Equal(t, PatternCyclic, res.Pattern.Type)
	assert.Contains(t, res.Classification, "Cyclic(100ms)")
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.LessOrEqual(t, res.Confidence, 0.95)

	patterns := d.FlowPatterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, res.FlowKey, patterns[0].FlowKey)
	assert.NotNil(t, patterns[0].Cyclic)
	assert.Equal(t, res.Fingerprint, patterns[0].Fingerprint)
}

func TestDetector_TextAndBus(t *testing.T) {
	d := NewDetector(DefaultOptions())

	res := d.AnalyzePacket([]byte("M-SEARCH * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\n"), "10.0.0.1", "239.255.255.250", 1900, 1900, "UDP", base)
	assert.Nil(t, res.Pattern)
	assert.Equal(t, "Text-Protocol", res.Classification)
	assert.InDelta(t, 0.3, res.Confidence, 1e-9)

	res = d.AnalyzePacket([]byte("NOTIFY * HTTP/1.1\r\n"), "10.0.0.7", "239.255.255.250", 1900, 1900, "UDP", base.Add(time.Second))
	require.NotNil(t, res.Pattern)
	assert.Equal(t, PatternMulticastBus, res.Pattern.Type)
	assert.Equal(t, 2, res.Pattern.Bus.ParticipantCount)
	assert.Contains(t, res.Classification, "Multicast-Bus")

	buses := d.MulticastBusTopology()
	require.Len(t, buses, 1)
	assert.Equal(t, "SSDP", buses[0].Protocol)
}

func TestDetector_EmptyPayload(t *testing.T) {
	d := NewDetector(DefaultOptions())
	res := d.AnalyzePacket(nil, "10.0.0.1", "10.0.0.2", 1, 2, "TCP", base)
	assert.NotEmpty(t, res.Fingerprint)
	assert.Equal(t, 0.0, res.Structure.PayloadEntropy)
}

func TestDetector_Labels(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLabels = 1
	d := NewDetector(opts)

	_, ok := d.LabelForFingerprint("abcdef012345")
	assert.False(t, ok)

	assert.True(t, d.LabelFingerprint("abcdef012345", "PLC heartbeat"))
	label, ok := d.LabelForFingerprint("abcdef012345")
	assert.True(t, ok)
	assert.Equal(t, "PLC heartbeat", label)

	// Tabla llena: las nuevas se rechazan, las existentes se actualizan
	assert.False(t, d.LabelFingerprint("0123456789ab", "other"))
	assert.True(t, d.LabelFingerprint("abcdef012345", "PLC keepalive"))

	assert.True(t, d.LabelFingerprint("abcdef012345", ""))
	_, ok = d.LabelForFingerprint("abcdef012345")
	assert.False(t, ok)

	// La etiqueta aparece en los resultados con esa huella
	feed := func(d *Detector) (res PatternDetectionResult) {
		for i, s := range lengthFramed(5) {
			res = d.AnalyzePacket(s, "10.0.0.1", "10.0.0.2", 1, 2, "UDP", base.Add(time.Duration(i)*time.Second))
		}
		return res
	}
	ref := feed(NewDetector(DefaultOptions()))
	labelled := NewDetector(DefaultOptions())
	require.True(t, labelled.LabelFingerprint(ref.Fingerprint, "framed"))
	assert.Equal(t, "framed", feed(labelled).Label)
}

func TestDetector_SampleCacheBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.SampleCacheSize = 5
	d := NewDetector(opts)

	var res PatternDetectionResult
	for i := 0; i < 30; i++ {
		res = d.AnalyzePacket([]byte{0x01, byte(i)}, "10.0.0.1", "10.0.0.2", 1, 2, "UDP", base)
	}
	assert.Equal(t, 5, res.Structure.SampleCount)
}

func TestDetector_Cleanup(t *testing.T) {
	d := NewDetector(DefaultOptions())
	d.AnalyzePacket([]byte{1, 2, 3}, "10.0.0.1", "10.0.0.2", 1, 2, "UDP", base)
	assert.Equal(t, 1, d.Flows().Len())
	assert.Equal(t, 1, d.Cleanup(base.Add(5*time.Minute)))
	assert.Equal(t, 0, d.Flows().Len())
}

func TestConfidenceCap(t *testing.T) {
	s := StructureAnalysis{HasFixedHeader: true, HasLengthField: true, HasMessageType: true}
	p := &CommunicationPattern{Type: PatternMasterSlave, MasterSlave: &MasterSlavePattern{}}
	assert.LessOrEqual(t, confidence(s, p), 0.95)
	assert.InDelta(t, 0.3, confidence(StructureAnalysis{}, nil), 1e-9)
}

// =============================================================================
//  BENCHMARKS
// =============================================================================

func BenchmarkDetector_AnalyzePacket(b *testing.B) {
	d := NewDetector(DefaultOptions())
	samples := lengthFramed(20)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.AnalyzePacket(samples[i%len(samples)], "10.0.0.1", "10.0.0.2", 40000, 30000, "UDP", base.Add(time.Duration(i)*time.Millisecond))
	}
}

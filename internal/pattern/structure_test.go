package pattern

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthFramed genera muestras de 8 bytes con un campo de longitud BE en [2:4]
// cuyo valor es la longitud restante (4) con jitter de ±1.
func lengthFramed(n int) [][]byte {
	deltas := []int{0, 1, -1, 0, 1}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		l := byte(4 + deltas[i%len(deltas)])
		out = append(out, []byte{0xA5, 0xF0, 0x00, l, byte(i*37 + 11), byte(i*91 + 5), byte(i * 53), byte(i*7 + 1)})
	}
	return out
}

// =============================================================================
//  Entropía y texto
// =============================================================================

func TestEntropy(t *testing.T) {
	assert.Equal(t, 0.0, Entropy(nil))
	assert.Equal(t, 0.0, Entropy(bytes.Repeat([]byte{0x41}, 100)))

	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	assert.InDelta(t, 8.0, Entropy(all), 1e-9)
	assert.InDelta(t, 1.0, Entropy([]byte{0, 1, 0, 1}), 1e-9)
}

func TestIsPrintable(t *testing.T) {
	assert.True(t, IsPrintable([]byte("GET /index.html HTTP/1.1\r\n"), DefaultPrintableRatio))
	assert.False(t, IsPrintable([]byte{0x00, 0x01, 0x02, 'a'}, DefaultPrintableRatio))
	assert.False(t, IsPrintable(nil, DefaultPrintableRatio))
}

// =============================================================================
//  Analizador de estructura
// =============================================================================

func TestAnalyze_LengthField(t *testing.T) {
	sa := NewStructureAnalyzer(DefaultThresholds())
	samples := lengthFramed(5)

	res := sa.Analyze(samples[4], samples[:4])
	require.True(t, res.HasLengthField)
	assert.Equal(t, 2, res.LengthFieldOffset)
	assert.Equal(t, 2, res.LengthFieldSize)
	assert.Equal(t, "big", res.LengthFieldEndian)
	assert.Equal(t, 5, res.SampleCount)
	assert.True(t, res.IsBinary)
}

func TestAnalyze_LittleEndianLength(t *testing.T) {
	sa := NewStructureAnalyzer(DefaultThresholds())
	var samples [][]byte
	for i := 0; i < 4; i++ {
		body := bytes.Repeat([]byte{byte(0x80 + i)}, 10+i*3)
		p := append([]byte{0xFF, 0xEE, byte(len(body)), 0x00}, body...)
		samples = append(samples, p)
	}
	res := sa.Analyze(samples[3], samples[:3])
	require.True(t, res.HasLengthField)
	assert.Equal(t, 2, res.LengthFieldOffset)
	assert.Equal(t, "little", res.LengthFieldEndian)
}

func TestAnalyze_FixedHeader(t *testing.T) {
	sa := NewStructureAnalyzer(DefaultThresholds())
	var samples [][]byte
	for i := 0; i < 5; i++ {
		samples = append(samples, []byte{0xCA, 0xFE, 0x01, byte(i*37 + 11), byte(i*91 + 5), 0x00})
	}
	res := sa.Analyze(samples[4], samples[:4])
	assert.True(t, res.HasFixedHeader)
	assert.Equal(t, 3, res.HeaderLength)
	assert.Equal(t, 0, res.FieldBoundaries[0])
}

func TestAnalyze_MessageType(t *testing.T) {
	sa := NewStructureAnalyzer(DefaultThresholds())
	var samples [][]byte
	for i := 0; i < 6; i++ {
		samples = append(samples, []byte{byte(1 + i%2), byte(i*37 + 11), byte(i*91 + 5), byte(i * 53)})
	}
	res := sa.Analyze(samples[5], samples[:5])
	require.True(t, res.HasMessageType)
	assert.Equal(t, 0, res.MessageTypeOffset)
	assert.Equal(t, []byte{1, 2}, res.DetectedTypes)
}

func TestAnalyze_SequenceNumber(t *testing.T) {
	sa := NewStructureAnalyzer(DefaultThresholds())
	var samples [][]byte
	for i := 0; i < 6; i++ {
		samples = append(samples, []byte{byte(250 + i), byte(i*37 + 11), byte(i*91 + 5), byte(i * 53)})
	}
	// 250..255 y luego envuelve a 0: la diferencia módulo 256 sigue siendo 1
	samples = append(samples, []byte{0x00, 0x10, 0x20, 0x30})

	res := sa.Analyze(samples[6], samples[:6])
	require.True(t, res.HasSequenceNumber)
	assert.Equal(t, 0, res.SequenceOffset)
	assert.Equal(t, 1, res.SequenceSize)
}

func TestAnalyze_NotEnoughSamples(t *testing.T) {
	sa := NewStructureAnalyzer(DefaultThresholds())
	res := sa.Analyze([]byte{0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}, nil)

	assert.False(t, res.HasLengthField)
	assert.False(t, res.HasMessageType)
	assert.False(t, res.HasSequenceNumber)
	assert.False(t, res.HasFixedHeader)
	assert.Equal(t, []int{0}, res.FieldBoundaries)
	assert.Equal(t, 1, res.SampleCount)

	empty := sa.Analyze(nil, nil)
	assert.Equal(t, 0.0, empty.PayloadEntropy)
	assert.Equal(t, []int{0}, empty.FieldBoundaries)
}

// =============================================================================
//  Encapsulación
// =============================================================================

func TestEncapsulation_KnownFraming(t *testing.T) {
	th := DefaultThresholds()
	ed := NewEncapsulationDetector(NewStructureAnalyzer(th), th)

	tpkt := []byte{0x03, 0x00, 0x00, 0x0b, 0x06, 0xe0, 0x00, 0x00, 0x00, 0x01, 0x00}
	info := ed.Detect(tpkt, "tcp", nil)
	assert.True(t, info.IsEncapsulated)
	assert.Equal(t, "TCP", info.OuterProtocol)
	assert.Equal(t, "tpkt", info.FramingPattern)
	assert.Equal(t, 4, info.InnerHeaderOffset)

	vxlan := []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x01, 0x2c, 0x00, 0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	info = ed.Detect(vxlan, "UDP", nil)
	assert.True(t, info.IsEncapsulated)
	assert.Equal(t, "vxlan", info.FramingPattern)
	assert.Equal(t, 8, info.InnerHeaderOffset)

	// TPKT solo se reconoce sobre TCP
	info = ed.Detect(tpkt, "UDP", nil)
	assert.NotEqual(t, "tpkt", info.FramingPattern)
}

func TestEncapsulation_PlainText(t *testing.T) {
	th := DefaultThresholds()
	ed := NewEncapsulationDetector(NewStructureAnalyzer(th), th)

	info := ed.Detect([]byte("hello world, this is plain text"), "udp", nil)
	assert.False(t, info.IsEncapsulated)
	assert.Equal(t, 0, info.InnerHeaderOffset)
	assert.Equal(t, "text-based", info.InnerType)
	assert.Empty(t, info.FramingPattern)
}

func TestShiftSamples(t *testing.T) {
	inner, prior := shiftSamples([]byte{1, 2, 3, 4, 5}, [][]byte{{1, 2}, {1, 2, 3, 4, 5, 6}}, 4)
	assert.Equal(t, []byte{5}, inner)
	require.Len(t, prior, 1)
	assert.Equal(t, []byte{5, 6}, prior[0])
}

func BenchmarkStructureAnalyzer_Analyze(b *testing.B) {
	sa := NewStructureAnalyzer(DefaultThresholds())
	samples := lengthFramed(20)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sa.Analyze(samples[19], samples[:19])
	}
}

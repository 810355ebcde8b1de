// Package pattern infiere la forma de protocolos desconocidos sin firmas:
// estructura de la carga útil, encapsulación y comportamiento del flujo.
package pattern

import (
	"encoding/binary"
	"math"
	"sort"
)

// StructureAnalysis es el resultado (sin estado) de analizar una carga útil
// junto con muestras previas del mismo flujo.
type StructureAnalysis struct {
	HasFixedHeader    bool    `json:"has_fixed_header"`
	HeaderLength      int     `json:"header_length"`
	HasLengthField    bool    `json:"has_length_field"`
	LengthFieldOffset int     `json:"length_field_offset"`
	LengthFieldSize   int     `json:"length_field_size"`
	LengthFieldEndian string  `json:"length_field_endian,omitempty"`
	HasMessageType    bool    `json:"has_message_type"`
	MessageTypeOffset int     `json:"message_type_offset"`
	DetectedTypes     []byte  `json:"detected_types,omitempty"`
	HasSequenceNumber bool    `json:"has_sequence_number"`
	SequenceOffset    int     `json:"sequence_offset"`
	SequenceSize      int     `json:"sequence_size"`
	PayloadEntropy    float64 `json:"payload_entropy"`
	IsBinary          bool    `json:"is_binary"`
	FieldBoundaries   []int   `json:"field_boundaries"`
	SampleCount       int     `json:"sample_count"`
}

// score pondera las características; lo usa el detector de encapsulación.
func (s StructureAnalysis) score() int {
	score := 0
	if s.HasLengthField {
		score += 2
	}
	if s.HasMessageType {
		score += 2
	}
	if s.HasSequenceNumber {
		score++
	}
	if s.HasFixedHeader {
		score++
	}
	return score
}

const (
	endianBig    = "big"
	endianLittle = "little"
)

// Orden de prueba de tamaños de campo.
var (
	lengthFieldSizes   = []int{2, 1, 4}
	sequenceFieldSizes = []int{1, 2}
	alignmentOffsets   = map[int]bool{2: true, 4: true, 8: true, 12: true, 16: true}
)

type StructureAnalyzer struct {
	th Thresholds
}

func NewStructureAnalyzer(th Thresholds) *StructureAnalyzer {
	return &StructureAnalyzer{th: th}
}

// Analyze analiza payload usando prior como contexto. El conjunto de muestras es prior + payload.
func (sa *StructureAnalyzer) Analyze(payload []byte, prior [][]byte) StructureAnalysis {
	samples := make([][]byte, 0, len(prior)+1)
	samples = append(samples, prior...)
	samples = append(samples, payload)

	res := StructureAnalysis{
		SampleCount:    len(samples),
		PayloadEntropy: Entropy(payload),
		IsBinary:       !IsPrintable(payload, sa.th.PrintableRatio),
	}
	minLen := minLength(samples)

	if n := fixedHeaderLength(samples, minLen); n >= MinFixedHeaderLength {
		res.HasFixedHeader = true
		res.HeaderLength = n
	}
	if off, size, endian, ok := sa.detectLengthField(samples, minLen); ok {
		res.HasLengthField = true
		res.LengthFieldOffset = off
		res.LengthFieldSize = size
		res.LengthFieldEndian = endian
	}
	if off, types, ok := detectMessageType(samples, minLen); ok {
		res.HasMessageType = true
		res.MessageTypeOffset = off
		res.DetectedTypes = types
	}
	if off, size, ok := sa.detectSequence(samples, minLen); ok {
		res.HasSequenceNumber = true
		res.SequenceOffset = off
		res.SequenceSize = size
	}
	res.FieldBoundaries = fieldBoundaries(samples, minLen)
	return res
}

// Entropy calcula la entropía de Shannon (bits por byte). Vacío => 0.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	n := float64(len(data))
	e := 0.0
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		e -= p * math.Log2(p)
	}
	return e
}

// IsPrintable: texto si al menos ratio de los bytes son ASCII imprimible, TAB, LF o CR.
func IsPrintable(data []byte, ratio float64) bool {
	if len(data) == 0 {
		return false
	}
	printable := 0
	for _, b := range data {
		if (b >= 32 && b <= 126) || b == '\t' || b == '\n' || b == '\r' {
			printable++
		}
	}
	return float64(printable)/float64(len(data)) >= ratio
}

func minLength(samples [][]byte) int {
	if len(samples) == 0 {
		return 0
	}
	m := len(samples[0])
	for _, s := range samples[1:] {
		if len(s) < m {
			m = len(s)
		}
	}
	return m
}

// constantAt: el byte en off es idéntico en todas las muestras.
func constantAt(samples [][]byte, off int) bool {
	first := samples[0][off]
	for _, s := range samples[1:] {
		if s[off] != first {
			return false
		}
	}
	return true
}

func fixedHeaderLength(samples [][]byte, minLen int) int {
	if len(samples) < MinStructureSamples {
		return 0
	}
	limit := min(minLen, MaxFixedHeaderScan)
	n := 0
	for n < limit && constantAt(samples, n) {
		n++
	}
	return n
}

// readField devuelve el valor big y little endian de un campo de 1, 2 o 4 bytes.
func readField(b []byte) (be, le int64) {
	switch len(b) {
	case 1:
		return int64(b[0]), int64(b[0])
	case 2:
		return int64(binary.BigEndian.Uint16(b)), int64(binary.LittleEndian.Uint16(b))
	case 4:
		return int64(binary.BigEndian.Uint32(b)), int64(binary.LittleEndian.Uint32(b))
	}
	return 0, 0
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (sa *StructureAnalyzer) detectLengthField(samples [][]byte, minLen int) (int, int, string, bool) {
	n := len(samples)
	if n < MinStructureSamples || minLen < MinLengthFieldPayload {
		return 0, 0, "", false
	}
	tol := int64(sa.th.LengthFieldTolerance)

	for _, size := range lengthFieldSizes {
		maxOff := min(MaxLengthFieldOffset, minLen-size)
		for off := 0; off < maxOff; off++ {
			matches, bigVotes, littleVotes := 0, 0, 0
			for _, s := range samples {
				total := int64(len(s))
				remaining := total - int64(off+size)
				be, le := readField(s[off : off+size])

				// Elegimos la interpretación más cercana a la longitud restante
				v, endian := be, endianBig
				if abs64(le-remaining) < abs64(be-remaining) {
					v, endian = le, endianLittle
				}
				if abs64(v-remaining) <= tol || abs64(v-total) <= tol {
					matches++
					if endian == endianBig {
						bigVotes++
					} else {
						littleVotes++
					}
				}
			}
			if float64(matches)/float64(n) >= sa.th.LengthFieldMatchRatio {
				endian := endianBig
				if size == 1 {
					endian = ""
				} else if littleVotes > bigVotes {
					endian = endianLittle
				}
				return off, size, endian, true
			}
		}
	}
	return 0, 0, "", false
}

// detectMessageType busca el primer offset con un conjunto pequeño (enum) de valores.
func detectMessageType(samples [][]byte, minLen int) (int, []byte, bool) {
	n := len(samples)
	if n < MinStructureSamples {
		return 0, nil, false
	}
	maxDistinct := min(MaxMessageTypeValues, n/2)
	limit := min(MaxMessageTypeOffset, minLen)

	for off := 0; off < limit; off++ {
		seen := make(map[byte]struct{}, maxDistinct+1)
		for _, s := range samples {
			seen[s[off]] = struct{}{}
			if len(seen) > maxDistinct {
				break
			}
		}
		if len(seen) >= 2 && len(seen) <= maxDistinct {
			types := make([]byte, 0, len(seen))
			for v := range seen {
				types = append(types, v)
			}
			sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
			return off, types, true
		}
	}
	return 0, nil, false
}

func (sa *StructureAnalyzer) detectSequence(samples [][]byte, minLen int) (int, int, bool) {
	n := len(samples)
	if n < MinStructureSamples {
		return 0, 0, false
	}
	pairs := float64(n - 1)

	for _, size := range sequenceFieldSizes {
		modulus := int64(1) << (8 * size)
		maxOff := min(MaxSequenceOffset, minLen-size)
		for off := 0; off < maxOff; off++ {
			var hitsBE, hitsLE int
			prevBE, prevLE := readField(samples[0][off : off+size])
			for _, s := range samples[1:] {
				be, le := readField(s[off : off+size])
				if ((be-prevBE)%modulus+modulus)%modulus == 1 {
					hitsBE++
				}
				if ((le-prevLE)%modulus+modulus)%modulus == 1 {
					hitsLE++
				}
				prevBE, prevLE = be, le
			}
			if float64(max(hitsBE, hitsLE))/pairs >= sa.th.SequenceMatchRatio {
				return off, size, true
			}
		}
	}
	return 0, 0, false
}

func variance(samples [][]byte, off int) float64 {
	n := float64(len(samples))
	mean := 0.0
	for _, s := range samples {
		mean += float64(s[off])
	}
	mean /= n
	v := 0.0
	for _, s := range samples {
		d := float64(s[off]) - mean
		v += d * d
	}
	return v / n
}

// fieldBoundaries marca el 0, las transiciones variable->constante y los
// puntos de alineación con varianza alta.
func fieldBoundaries(samples [][]byte, minLen int) []int {
	bounds := []int{0}
	limit := min(minLen, MaxFixedHeaderScan)
	if limit < 2 {
		return bounds
	}
	prevConst := constantAt(samples, 0)
	for off := 1; off < limit; off++ {
		isConst := constantAt(samples, off)
		switch {
		case isConst && !prevConst:
			bounds = append(bounds, off)
		case alignmentOffsets[off] && variance(samples, off) > FieldVarianceThreshold:
			bounds = append(bounds, off)
		}
		prevConst = isConst
	}
	return bounds
}

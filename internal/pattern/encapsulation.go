package pattern

import (
	"bytes"
	"strings"
)

// EncapsulationInfo describe una posible cabecera externa delante del protocolo real.
type EncapsulationInfo struct {
	IsEncapsulated    bool              `json:"is_encapsulated"`
	OuterProtocol     string            `json:"outer_protocol"`
	InnerType         string            `json:"inner_type"`
	InnerHeaderOffset int               `json:"inner_header_offset"`
	FramingPattern    string            `json:"framing_pattern,omitempty"`
	InnerStructure    StructureAnalysis `json:"inner_structure"`
}

const structuralFraming = "structural"

// framing: prefijo conocido en un offset fijo de la carga útil.
type framing struct {
	name      string
	prefix    []byte
	offset    int
	transport string
}

var knownFramings = []framing{
	{name: "vxlan", prefix: []byte{0x08, 0x00, 0x00, 0x00}, offset: 8, transport: "UDP"},
	{name: "gtp-u", prefix: []byte{0x30, 0xff}, offset: 8, transport: "UDP"},
	{name: "tpkt", prefix: []byte{0x03, 0x00}, offset: 4, transport: "TCP"},
	{name: "pppoe-session", prefix: []byte{0x11, 0x00}, offset: 6},
}

func (f framing) matches(payload []byte, transport string) bool {
	if f.transport != "" && f.transport != transport {
		return false
	}
	return len(payload) > f.offset && bytes.HasPrefix(payload, f.prefix)
}

type EncapsulationDetector struct {
	analyzer *StructureAnalyzer
	th       Thresholds
}

func NewEncapsulationDetector(analyzer *StructureAnalyzer, th Thresholds) *EncapsulationDetector {
	return &EncapsulationDetector{analyzer: analyzer, th: th}
}

// Detect prueba los offsets candidatos y se queda con el de mejor puntuación
// estructural. Un framing conocido tiene prioridad sobre la heurística.
func (ed *EncapsulationDetector) Detect(payload []byte, outer string, prior [][]byte) EncapsulationInfo {
	info := EncapsulationInfo{OuterProtocol: strings.ToUpper(outer)}

	framingOffset := -1
	for _, f := range knownFramings {
		if f.matches(payload, info.OuterProtocol) {
			info.FramingPattern = f.name
			framingOffset = f.offset
			break
		}
	}

	bestOff, bestScore := 0, -1
	var best StructureAnalysis
	for _, off := range encapsulationOffsets {
		if off > 0 && off >= len(payload) {
			continue
		}
		a := ed.analyzer.Analyze(shiftSamples(payload, prior, off))
		// Estrictamente mayor: en empate gana el offset 0
		if s := a.score(); s > bestScore {
			bestOff, bestScore, best = off, s, a
		}
	}

	switch {
	case framingOffset >= 0:
		info.IsEncapsulated = true
		info.InnerHeaderOffset = framingOffset
		if framingOffset == bestOff {
			info.InnerStructure = best
		} else {
			info.InnerStructure = ed.analyzer.Analyze(shiftSamples(payload, prior, framingOffset))
		}
	case bestOff > 0:
		info.IsEncapsulated = true
		info.InnerHeaderOffset = bestOff
		info.FramingPattern = structuralFraming
		info.InnerStructure = best
	default:
		info.InnerStructure = best
	}

	info.InnerType = innerType(info.InnerStructure, ed.th)
	return info
}

// shiftSamples recorta off bytes de la carga y de cada muestra previa que los tenga.
func shiftSamples(payload []byte, prior [][]byte, off int) ([]byte, [][]byte) {
	if off == 0 {
		return payload, prior
	}
	inner := payload[min(off, len(payload)):]
	shifted := make([][]byte, 0, len(prior))
	for _, p := range prior {
		if len(p) > off {
			shifted = append(shifted, p[off:])
		}
	}
	return inner, shifted
}

func innerType(s StructureAnalysis, th Thresholds) string {
	switch {
	case s.PayloadEntropy > th.EncryptedEntropy:
		return "encrypted/compressed"
	case !s.IsBinary:
		return "text-based"
	case s.HasFixedHeader:
		return "structured-binary"
	default:
		return "raw-binary"
	}
}

package pattern

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/soyunomas/topowarden/internal/config"
	"github.com/soyunomas/topowarden/internal/utils"
)

type PatternType string

const (
	PatternCyclic       PatternType = "cyclic"
	PatternMasterSlave  PatternType = "master-slave"
	PatternMulticastBus PatternType = "multicast-bus"
)

// CommunicationPattern: solo uno de Cyclic, MasterSlave o Bus viene relleno.
type CommunicationPattern struct {
	Type        PatternType         `json:"type"`
	Cyclic      *CyclicPattern      `json:"cyclic,omitempty"`
	MasterSlave *MasterSlavePattern `json:"master_slave,omitempty"`
	Bus         *MulticastBus       `json:"bus,omitempty"`
}

type PatternDetectionResult struct {
	FlowKey               string                `json:"flow_key"`
	Tracked               bool                  `json:"tracked"`
	Transport             string                `json:"transport"`
	Timestamp             time.Time             `json:"timestamp"`
	Structure             StructureAnalysis     `json:"structure"`
	Encapsulation         EncapsulationInfo     `json:"encapsulation"`
	Pattern               *CommunicationPattern `json:"pattern,omitempty"`
	FingerprintDescriptor string                `json:"fingerprint_descriptor"`
	Fingerprint           string                `json:"fingerprint"`
	Classification        string                `json:"classification"`
	Confidence            float64               `json:"confidence"`
	Label                 string                `json:"label,omitempty"`
}

// FlowPattern resume un flujo con patrón de comunicación detectado.
type FlowPattern struct {
	FlowKey        string              `json:"flow_key"`
	Packets        uint64              `json:"packets"`
	Bytes          uint64              `json:"bytes"`
	LastSeen       time.Time           `json:"last_seen"`
	Fingerprint    string              `json:"fingerprint,omitempty"`
	Classification string              `json:"classification,omitempty"`
	Cyclic         *CyclicPattern      `json:"cyclic,omitempty"`
	MasterSlave    *MasterSlavePattern `json:"master_slave,omitempty"`
}

type Options struct {
	MaxFlows        int
	FlowWindow      time.Duration
	SampleCacheSize int
	MaxLabels       int
	Thresholds      Thresholds
	Logger          *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxFlows:        DefaultMaxFlows,
		FlowWindow:      DefaultFlowWindow,
		SampleCacheSize: DefaultSampleCacheSize,
		MaxLabels:       DefaultMaxLabels,
		Thresholds:      DefaultThresholds(),
	}
}

func OptionsFromConfig(cfg *config.PatternConfig) Options {
	opts := DefaultOptions()
	if cfg.MaxFlows > 0 {
		opts.MaxFlows = cfg.MaxFlows
	}
	if cfg.SampleCacheSize > 0 {
		opts.SampleCacheSize = cfg.SampleCacheSize
	}
	if cfg.MaxLabels > 0 {
		opts.MaxLabels = cfg.MaxLabels
	}
	opts.FlowWindow = config.ParseDuration(cfg.FlowWindow, DefaultFlowWindow, "pattern.flow_window")
	opts.Thresholds = ThresholdsFromConfig(cfg.Thresholds)
	return opts
}

// flowState: caché rotativa de muestras y última huella de un flujo.
type flowState struct {
	samples        [][]byte
	fingerprint    string
	classification string
}

// Detector orquesta estructura, encapsulación y comportamiento por paquete.
type Detector struct {
	analyzer *StructureAnalyzer
	encap    *EncapsulationDetector
	flows    *FlowTracker
	th       Thresholds
	log      *slog.Logger

	mu        sync.Mutex
	cacheSize int
	maxStates int
	maxLabels int
	states    map[string]*flowState
	labels    map[string]string
}

func NewDetector(opts Options) *Detector {
	def := DefaultOptions()
	if opts.SampleCacheSize <= 0 {
		opts.SampleCacheSize = def.SampleCacheSize
	}
	if opts.MaxFlows <= 0 {
		opts.MaxFlows = def.MaxFlows
	}
	if opts.MaxLabels <= 0 {
		opts.MaxLabels = def.MaxLabels
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = def.Thresholds
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "pattern")
	}
	analyzer := NewStructureAnalyzer(opts.Thresholds)
	return &Detector{
		analyzer:  analyzer,
		encap:     NewEncapsulationDetector(analyzer, opts.Thresholds),
		flows:     NewFlowTracker(opts.MaxFlows, opts.FlowWindow, opts.Thresholds),
		th:        opts.Thresholds,
		log:       opts.Logger,
		cacheSize: opts.SampleCacheSize,
		maxStates: opts.MaxFlows,
		maxLabels: opts.MaxLabels,
		states:    make(map[string]*flowState),
		labels:    make(map[string]string),
	}
}

// Flows da acceso al tracker (consultas de solo lectura).
func (d *Detector) Flows() *FlowTracker { return d.flows }

// AnalyzePacket procesa la carga útil de transporte de un paquete.
// Nunca entra en pánico hacia el llamador.
func (d *Detector) AnalyzePacket(payload []byte, srcIP, dstIP string, sport, dport uint16, transport string, ts time.Time) (res PatternDetectionResult) {
	res = PatternDetectionResult{Transport: strings.ToUpper(transport), Timestamp: ts}
	defer func() {
		if r := recover(); r != nil {
			d.log.Debug("pattern analysis failed", "flow", res.FlowKey, "panic", r)
			res.Classification = "Unknown"
			res.Confidence = 0
		}
	}()

	res.FlowKey, res.Tracked = d.flows.RecordPacket(srcIP, dstIP, sport, dport, len(payload), ts)
	prior := d.pushSample(res.FlowKey, payload)

	res.Structure = d.analyzer.Analyze(payload, prior)
	res.Encapsulation = d.encap.Detect(payload, res.Transport, prior)
	res.Pattern = d.detectPattern(res.FlowKey, dstIP)

	res.FingerprintDescriptor = FingerprintDescriptor(res.Structure, res.Encapsulation)
	res.Fingerprint = HashDescriptor(res.FingerprintDescriptor)
	res.Classification = classify(res.Structure, res.Encapsulation, res.Pattern, d.th)
	res.Confidence = confidence(res.Structure, res.Pattern)
	res.Label, _ = d.LabelForFingerprint(res.Fingerprint)

	d.remember(res.FlowKey, res.Fingerprint, res.Classification)
	return res
}

// pushSample añade una copia de payload a la caché del flujo y devuelve las
// muestras anteriores (sin la actual). Con la tabla llena no hay contexto.
func (d *Detector) pushSample(key string, payload []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.states[key]; !exists && len(d.states) >= d.maxStates {
		d.pruneLocked()
	}
	st, _, ok := utils.InsertIfCapacityRemains(d.states, key, d.maxStates, func() *flowState {
		return &flowState{}
	})
	if !ok {
		return nil
	}
	st.samples = appendBounded(st.samples, bytes.Clone(payload), d.cacheSize)
	prior := make([][]byte, len(st.samples)-1)
	copy(prior, st.samples[:len(st.samples)-1])
	return prior
}

// pruneLocked descarta el estado de los flujos que el tracker ya purgó.
func (d *Detector) pruneLocked() {
	for k := range d.states {
		if !d.flows.Has(k) {
			delete(d.states, k)
		}
	}
}

func (d *Detector) remember(key, fp, classification string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[key]; ok {
		st.fingerprint = fp
		st.classification = classification
	}
}

// detectPattern: cíclico, luego maestro-esclavo, luego bus multicast.
func (d *Detector) detectPattern(key, dstIP string) *CommunicationPattern {
	if c := d.flows.DetectCyclicPattern(key); c.IsCyclic {
		return &CommunicationPattern{Type: PatternCyclic, Cyclic: &c}
	}
	if ms := d.flows.DetectMasterSlave(key); ms.IsMasterSlave {
		return &CommunicationPattern{Type: PatternMasterSlave, MasterSlave: &ms}
	}
	if utils.IsMulticastAddr(dstIP) {
		if bus, ok := d.flows.MulticastBusFor(dstIP); ok {
			return &CommunicationPattern{Type: PatternMulticastBus, Bus: &bus}
		}
	}
	return nil
}

// Cleanup purga flujos inactivos y su caché de muestras.
func (d *Detector) Cleanup(now time.Time) int {
	removed := d.flows.Cleanup(now)
	d.mu.Lock()
	for _, k := range removed {
		delete(d.states, k)
	}
	d.mu.Unlock()
	return len(removed)
}

// LabelFingerprint asigna una etiqueta humana a una huella. Etiqueta vacía la borra.
// Devuelve false si la tabla de etiquetas está llena.
func (d *Detector) LabelFingerprint(fp, label string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if label == "" {
		delete(d.labels, fp)
		return true
	}
	if _, exists := d.labels[fp]; !exists && len(d.labels) >= d.maxLabels {
		return false
	}
	d.labels[fp] = label
	return true
}

func (d *Detector) LabelForFingerprint(fp string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	label, ok := d.labels[fp]
	return label, ok
}

func (d *Detector) MulticastBusTopology() []MulticastBus {
	return d.flows.DetectMulticastBus()
}

// FlowPatterns lista los flujos con patrón cíclico o de sondeo.
func (d *Detector) FlowPatterns() []FlowPattern {
	var out []FlowPattern
	for _, rec := range d.flows.Flows() {
		fp := FlowPattern{FlowKey: rec.Key, Packets: rec.Packets, Bytes: rec.Bytes, LastSeen: rec.LastSeen}
		if c := cyclicFromTimestamps(rec.Timestamps, d.th.CyclicMaxCV); c.IsCyclic {
			fp.Cyclic = &c
		}
		if ms := d.flows.DetectMasterSlave(rec.Key); ms.IsMasterSlave {
			fp.MasterSlave = &ms
		}
		if fp.Cyclic == nil && fp.MasterSlave == nil {
			continue
		}
		d.mu.Lock()
		if st, ok := d.states[rec.Key]; ok {
			fp.Fingerprint = st.fingerprint
			fp.Classification = st.classification
		}
		d.mu.Unlock()
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowKey < out[j].FlowKey })
	return out
}

// FingerprintDescriptor resume la forma del protocolo en un texto estable.
func FingerprintDescriptor(s StructureAnalysis, e EncapsulationInfo) string {
	var parts []string
	if s.HasFixedHeader {
		parts = append(parts, fmt.Sprintf("hdr%d", s.HeaderLength))
	}
	if s.HasLengthField {
		parts = append(parts, fmt.Sprintf("len@%d:%d", s.LengthFieldOffset, s.LengthFieldSize))
	}
	if s.HasMessageType {
		parts = append(parts, fmt.Sprintf("type@%d", s.MessageTypeOffset))
	}
	if s.HasSequenceNumber {
		parts = append(parts, fmt.Sprintf("seq@%d", s.SequenceOffset))
	}
	if e.IsEncapsulated {
		parts = append(parts, fmt.Sprintf("encap@%d", e.InnerHeaderOffset))
	}
	if s.IsBinary {
		parts = append(parts, "bin")
	} else {
		parts = append(parts, "txt")
	}
	parts = append(parts, fmt.Sprintf("ent%d", int(math.Round(s.PayloadEntropy*10))))
	return strings.Join(parts, "|")
}

// HashDescriptor devuelve los primeros 12 hex del xxhash64 del descriptor.
func HashDescriptor(desc string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(desc))[:FingerprintHexLen]
}

func shapeLabel(s StructureAnalysis, th Thresholds) string {
	switch {
	case !s.IsBinary:
		return "Text-Protocol"
	case s.PayloadEntropy > th.EncryptedEntropy:
		return "Encrypted/Compressed"
	case s.HasLengthField && s.HasMessageType:
		return "Typed-Length-Framed"
	case s.HasLengthField:
		return "Length-Framed"
	case s.HasMessageType:
		return "Typed-Message"
	case s.HasFixedHeader:
		return "Fixed-Header-Binary"
	default:
		return "Unstructured-Binary"
	}
}

func classify(s StructureAnalysis, e EncapsulationInfo, p *CommunicationPattern, th Thresholds) string {
	shape := shapeLabel(s, th)
	if e.IsEncapsulated {
		shape = "Encapsulated-" + shapeLabel(e.InnerStructure, th)
	}
	parts := []string{shape}
	if p != nil {
		switch p.Type {
		case PatternCyclic:
			parts = append(parts, fmt.Sprintf("Cyclic(%.0fms)", p.Cyclic.PeriodMs))
		case PatternMasterSlave:
			parts = append(parts, "Polling")
		case PatternMulticastBus:
			parts = append(parts, "Multicast-Bus")
		}
	}
	if s.HasSequenceNumber {
		parts = append(parts, "Sequenced")
	}
	return strings.Join(parts, " + ")
}

func confidence(s StructureAnalysis, p *CommunicationPattern) float64 {
	c := 0.3
	if s.HasFixedHeader {
		c += 0.2
	}
	if s.HasLengthField || s.HasMessageType {
		c += 0.2
	}
	if p != nil {
		c += 0.2
	}
	return math.Min(c, 0.95)
}

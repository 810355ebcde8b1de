// Package engine encadena disección, topología y análisis de patrones para
// cada paquete capturado, y publica el estado periódicamente.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"

	"github.com/soyunomas/topowarden/internal/config"
	"github.com/soyunomas/topowarden/internal/dissector"
	"github.com/soyunomas/topowarden/internal/pattern"
	"github.com/soyunomas/topowarden/internal/telemetry"
	"github.com/soyunomas/topowarden/internal/topology"
)

// Alerter recibe los cambios de topología (*notifier.Notifier).
type Alerter interface {
	AlertEvent(ev topology.Event)
}

// Result es la salida de Process. Pattern es nil si no se analizó la carga.
type Result struct {
	Packet  *dissector.DissectedPacket
	Pattern *pattern.PatternDetectionResult
}

// Report es la foto que publica RunReporter en cada tick.
type Report struct {
	Topology       topology.Summary
	Flows          int
	FlowsExpired   int
	FlowsDropped   uint64
	MulticastBuses int
	FlowPatterns   int
}

// Engine es seguro para uso concurrente desde varios sniffers: el tracker y
// el detector de patrones serializan con su propio mutex.
type Engine struct {
	dissector    *dissector.Dissector
	patterns     *pattern.Detector
	tracker      *topology.Tracker
	analyzeKnown bool
	log          *slog.Logger

	mu              sync.Mutex
	lastTopoDropped uint64
	lastFlowDropped uint64
}

func New(d *dissector.Dissector, p *pattern.Detector, tr *topology.Tracker, cfg *config.PatternConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default().With("component", "engine")
	}
	e := &Engine{
		dissector: d,
		patterns:  p,
		tracker:   tr,
		log:       log,
	}
	if cfg != nil {
		e.analyzeKnown = cfg.AnalyzeKnownProtocols
	}
	return e
}

func (e *Engine) Tracker() *topology.Tracker  { return e.tracker }
func (e *Engine) Patterns() *pattern.Detector { return e.patterns }

// Process disecciona el paquete y, si la aplicación no se reconoce (o
// analyze_known_protocols está activo), analiza la carga de transporte.
func (e *Engine) Process(pkt gopacket.Packet) Result {
	start := time.Now()
	defer func() {
		telemetry.ProcessingTime.Observe(float64(time.Since(start).Nanoseconds()))
	}()

	if pkt != nil {
		data := pkt.Data()
		length := len(data)
		if md := pkt.Metadata(); md != nil && md.Length > 0 {
			length = md.Length
		}
		telemetry.TrackPacket(data, length)
	}

	dp := e.dissector.DissectPacket(pkt)
	res := Result{Packet: dp}

	if !e.shouldAnalyze(dp) {
		return res
	}
	sport, dport := dp.Ports()
	pr := e.patterns.AnalyzePacket(dp.Payload, dp.IP.SrcIP, dp.IP.DstIP, sport, dport, dp.Transport, dp.Timestamp)
	res.Pattern = &pr

	if pr.Pattern != nil {
		telemetry.PatternDetections.WithLabelValues(string(pr.Pattern.Type)).Inc()
	}
	e.log.Debug("Payload analysed",
		"flow", pr.FlowKey,
		"fingerprint", pr.Fingerprint,
		"classification", pr.Classification,
		"confidence", pr.Confidence)
	return res
}

func (e *Engine) shouldAnalyze(dp *dissector.DissectedPacket) bool {
	if e.patterns == nil || dp.IP == nil || dp.Transport == "" || len(dp.Payload) == 0 {
		return false
	}
	return dp.L7Protocol == dissector.L7Unknown || e.analyzeKnown
}

// EventHook construye el callback del tracker: métrica, log y alerta.
func EventHook(alerter Alerter, log *slog.Logger) topology.EventHook {
	if log == nil {
		log = slog.Default()
	}
	return func(ev topology.Event) {
		telemetry.TopologyEvents.WithLabelValues(string(ev.Kind)).Inc()
		log.Info("Topology change", "kind", ev.Kind, "key", ev.Key, "detail", ev.Detail)
		if alerter != nil {
			alerter.AlertEvent(ev)
		}
	}
}

// Report purga flujos caducados, actualiza gauges y devuelve el resumen.
func (e *Engine) Report(now time.Time) Report {
	var r Report
	if e.tracker != nil {
		r.Topology = e.tracker.Summary()
		telemetry.SetTopologySizes(map[string]int{
			"lldp_neighbors":   r.Topology.LLDPNeighbors,
			"cdp_neighbors":    r.Topology.CDPNeighbors,
			"vlans":            r.Topology.VLANs,
			"multicast_groups": r.Topology.MulticastGroups,
			"stp_bridges":      r.Topology.STPBridges,
			"devices":          r.Topology.Devices,
		})
	}
	if e.patterns != nil {
		r.FlowsExpired = e.patterns.Cleanup(now)
		r.Flows = e.patterns.Flows().Len()
		r.FlowsDropped = e.patterns.Flows().Dropped()
		r.MulticastBuses = len(e.patterns.MulticastBusTopology())
		r.FlowPatterns = len(e.patterns.FlowPatterns())
		telemetry.TrackedFlows.Set(float64(r.Flows))
	}

	// Los contadores internos son acumulados; la métrica recibe el delta
	e.mu.Lock()
	if d := r.Topology.Dropped; d > e.lastTopoDropped {
		telemetry.CapacityDrops.WithLabelValues("topology").Add(float64(d - e.lastTopoDropped))
		e.lastTopoDropped = d
	}
	if d := r.FlowsDropped; d > e.lastFlowDropped {
		telemetry.CapacityDrops.WithLabelValues("flows").Add(float64(d - e.lastFlowDropped))
		e.lastFlowDropped = d
	}
	e.mu.Unlock()
	return r
}

// RunReporter publica un Report cada interval hasta que ctx se cancela.
func (e *Engine) RunReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r := e.Report(now)
			e.log.Info("Topology summary",
				"lldp_neighbors", r.Topology.LLDPNeighbors,
				"cdp_neighbors", r.Topology.CDPNeighbors,
				"vlans", r.Topology.VLANs,
				"multicast_groups", r.Topology.MulticastGroups,
				"stp_bridges", r.Topology.STPBridges,
				"devices", r.Topology.Devices,
				"switches", r.Topology.Switches,
				"root_bridge", r.Topology.RootBridge,
				"flows", r.Flows,
				"flows_expired", r.FlowsExpired,
				"flow_patterns", r.FlowPatterns,
				"multicast_buses", r.MulticastBuses,
				"dropped", r.Topology.Dropped+r.FlowsDropped)
		}
	}
}

package telemetry

import (
	"encoding/binary"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Buckets de latencia (ns). La disección completa con L7 y patrones es más
// cara que un parseo L2 plano: 1µs a 10ms.
var processingBuckets = []float64{1000, 5000, 10000, 50000, 100000, 500000, 1000000, 10000000}

// Buckets para distribución de tamaño de paquetes (Standard Ethernet + jumbo).
var sizeBuckets = []float64{60, 64, 128, 256, 512, 1024, 1518, 9000}

var (
	// 1. VOLUMEN DE TRÁFICO
	// Cardinalidad controlada: ethertype y cast son finitos.
	RxPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_rx_packets_total",
		Help: "Total packets processed by protocol and cast type",
	}, []string{"ethertype", "cast"})

	RxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_rx_bytes_total",
		Help: "Total bytes processed by protocol",
	}, []string{"ethertype"})

	// 2. DISECCIÓN
	L7Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_l7_classifications_total",
		Help: "Application protocol classifications by protocol and method",
	}, []string{"protocol", "method"})

	MalformedLayers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_malformed_layers_total",
		Help: "Layers that failed to decode, by layer",
	}, []string{"layer"})

	// 3. TABLAS ACOTADAS
	CapacityDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_capacity_drops_total",
		Help: "New keys rejected because a bounded table was full",
	}, []string{"table"})

	TopologyEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "topowarden_topology_entries",
		Help: "Current size of each topology table",
	}, []string{"table"})

	TopologyEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_topology_events_total",
		Help: "Topology changes reported by the tracker",
	}, []string{"kind"})

	// 4. PATRONES
	PatternDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_pattern_detections_total",
		Help: "Packets whose flow matched a communication pattern, by pattern type",
	}, []string{"type"})

	TrackedFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topowarden_tracked_flows",
		Help: "Flows currently held by the pattern flow tracker",
	})

	// 5. LATENCIA DE PROCESAMIENTO
	ProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "topowarden_processing_ns",
		Help:    "Time taken to process a packet in nanoseconds",
		Buckets: processingBuckets,
	})

	// 6. SALUD DEL SOCKET (KERNEL DROPS)
	SocketDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "topowarden_socket_drops_total",
		Help: "Number of packets dropped by the kernel interface driver due to buffer overflow",
	})

	// 7. PERFIL DE TAMAÑO
	PacketSizes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "topowarden_packet_size_bytes",
		Help:    "Distribution of packet sizes in bytes",
		Buckets: sizeBuckets,
	})

	// 8. FORENSE ARP
	ArpOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topowarden_arp_ops_total",
		Help: "ARP operations breakdown (request/reply)",
	}, []string{"operation"})
)

// TrackPacket actualiza volumen, tamaño y ARP leyendo la trama cruda.
// Zero-alloc: no decodifica capas.
func TrackPacket(data []byte, length int) {
	if length < 14 || len(data) < 14 {
		return
	}

	PacketSizes.Observe(float64(length))

	cast := CastType(data)

	// Ethertype en offset 12; una etiqueta 802.1Q se cuenta como VLAN_Tagged
	eTypeVal := binary.BigEndian.Uint16(data[12:14])
	sType := EtherTypeLabel(eTypeVal)

	RxPackets.WithLabelValues(sType, cast).Inc()
	RxBytes.WithLabelValues(sType).Add(float64(length))

	// Eth (14) + offset OpCode ARP (6) = byte 20
	if eTypeVal == 0x0806 && len(data) >= 22 {
		switch binary.BigEndian.Uint16(data[20:22]) {
		case 1:
			ArpOps.WithLabelValues("request").Inc()
		case 2:
			ArpOps.WithLabelValues("reply").Inc()
		default:
			ArpOps.WithLabelValues("other").Inc()
		}
	}
}

// CastType: broadcast, multicast (bit I/G) o unicast según la MAC destino.
func CastType(data []byte) string {
	if len(data) < 6 {
		return "unknown"
	}
	if data[0]&data[1]&data[2]&data[3]&data[4]&data[5] == 0xFF {
		return "broadcast"
	}
	if data[0]&0x01 == 1 {
		return "multicast"
	}
	return "unicast"
}

// EtherTypeLabel agrupa los ethertypes para evitar alta cardinalidad.
func EtherTypeLabel(v uint16) string {
	switch v {
	case 0x0800:
		return "IPv4"
	case 0x0806:
		return "ARP"
	case 0x86DD:
		return "IPv6"
	case 0x8100, 0x88A8:
		return "VLAN_Tagged"
	case 0x8808:
		return "FlowControl"
	case 0x88CC:
		return "LLDP"
	}
	// Tramas 802.3 con LLC (STP, CDP)
	if v < 1536 {
		return "Non-IP"
	}
	return "Other_Eth2"
}

// SetTopologySizes publica el tamaño de cada tabla de topología.
func SetTopologySizes(sizes map[string]int) {
	for table, n := range sizes {
		TopologyEntries.WithLabelValues(table).Set(float64(n))
	}
}

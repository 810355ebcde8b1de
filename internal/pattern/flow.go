package pattern

import (
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/soyunomas/topowarden/internal/utils"
)

// FlowRecord es el estado de una conversación bidireccional.
// Src/Dst son los del primer paquete visto (iniciador).
type FlowRecord struct {
	Key            string      `json:"key"`
	SrcIP          string      `json:"src_ip"`
	DstIP          string      `json:"dst_ip"`
	SrcPort        uint16      `json:"src_port"`
	DstPort        uint16      `json:"dst_port"`
	FirstSeen      time.Time   `json:"first_seen"`
	LastSeen       time.Time   `json:"last_seen"`
	Packets        uint64      `json:"packets"`
	Bytes          uint64      `json:"bytes"`
	PacketsForward uint64      `json:"packets_forward"`
	PacketsReverse uint64      `json:"packets_reverse"`
	PayloadSizes   []int       `json:"-"`
	Timestamps     []time.Time `json:"-"`
}

func (r *FlowRecord) clone() FlowRecord {
	c := *r
	c.PayloadSizes = append([]int(nil), r.PayloadSizes...)
	c.Timestamps = append([]time.Time(nil), r.Timestamps...)
	return c
}

type CyclicPattern struct {
	IsCyclic               bool    `json:"is_cyclic"`
	PeriodMs               float64 `json:"period_ms"`
	Regularity             float64 `json:"regularity"`
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
	Samples                int     `json:"samples"`
}

type MasterSlavePattern struct {
	IsMasterSlave     bool    `json:"is_master_slave"`
	Ratio             float64 `json:"ratio"`
	RequestCount      uint64  `json:"request_count"`
	ResponseCount     uint64  `json:"response_count"`
	CommonSizes       []int   `json:"common_sizes"`
	DominantSizeShare float64 `json:"dominant_size_share"`
}

// MulticastBus: un grupo multicast con varios emisores distintos.
type MulticastBus struct {
	Group            string   `json:"group"`
	Protocol         string   `json:"protocol,omitempty"`
	ParticipantCount int      `json:"participant_count"`
	Participants     []string `json:"participants"`
}

// FlowKey devuelve la clave canónica del flujo, independiente de la dirección.
func FlowKey(srcIP string, sport uint16, dstIP string, dport uint16) string {
	a := net.JoinHostPort(srcIP, strconv.Itoa(int(sport)))
	b := net.JoinHostPort(dstIP, strconv.Itoa(int(dport)))
	if b < a {
		a, b = b, a
	}
	return a + "<->" + b
}

// FlowTracker mantiene la tabla de flujos acotada y los emisores por grupo multicast.
type FlowTracker struct {
	mu       sync.Mutex
	maxFlows int
	window   time.Duration
	th       Thresholds

	flows   map[string]*FlowRecord
	groups  map[string]map[string]struct{}
	dropped uint64
}

func NewFlowTracker(maxFlows int, window time.Duration, th Thresholds) *FlowTracker {
	if maxFlows <= 0 {
		maxFlows = DefaultMaxFlows
	}
	if window <= 0 {
		window = DefaultFlowWindow
	}
	return &FlowTracker{
		maxFlows: maxFlows,
		window:   window,
		th:       th,
		flows:    make(map[string]*FlowRecord),
		groups:   make(map[string]map[string]struct{}),
	}
}

// RecordPacket actualiza el flujo. tracked=false si la tabla estaba llena y el flujo es nuevo.
func (ft *FlowTracker) RecordPacket(srcIP, dstIP string, sport, dport uint16, payloadLen int, ts time.Time) (key string, tracked bool) {
	key = FlowKey(srcIP, sport, dstIP, dport)

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if utils.IsMulticastAddr(dstIP) {
		ft.recordGroupSourceLocked(dstIP, srcIP)
	}

	if _, exists := ft.flows[key]; !exists && len(ft.flows) >= ft.maxFlows {
		ft.purgeLocked(ts)
	}
	rec, _, ok := utils.InsertIfCapacityRemains(ft.flows, key, ft.maxFlows, func() *FlowRecord {
		return &FlowRecord{
			Key:       key,
			SrcIP:     srcIP,
			DstIP:     dstIP,
			SrcPort:   sport,
			DstPort:   dport,
			FirstSeen: ts,
		}
	})
	if !ok {
		ft.dropped++
		return key, false
	}

	rec.LastSeen = ts
	rec.Packets++
	if payloadLen > 0 {
		rec.Bytes += uint64(payloadLen)
	}
	if srcIP == rec.SrcIP && sport == rec.SrcPort {
		rec.PacketsForward++
	} else {
		rec.PacketsReverse++
	}
	rec.Timestamps = appendBounded(rec.Timestamps, ts, MaxFlowSamples)
	rec.PayloadSizes = appendBounded(rec.PayloadSizes, payloadLen, MaxFlowSamples)
	return key, true
}

func appendBounded[T any](s []T, v T, limit int) []T {
	if len(s) >= limit {
		copy(s, s[len(s)-limit+1:])
		s = s[:limit-1]
	}
	return append(s, v)
}

func (ft *FlowTracker) recordGroupSourceLocked(group, src string) {
	sources, _, ok := utils.InsertIfCapacityRemains(ft.groups, group, MaxMulticastBusGroups, func() map[string]struct{} {
		return make(map[string]struct{})
	})
	if !ok {
		return
	}
	if _, exists := sources[src]; exists || len(sources) >= MaxGroupSources {
		return
	}
	sources[src] = struct{}{}
}

// purgeLocked elimina flujos sin actividad en la ventana. Devuelve las claves borradas.
func (ft *FlowTracker) purgeLocked(now time.Time) []string {
	cutoff := now.Add(-ft.window)
	var removed []string
	for k, rec := range ft.flows {
		if rec.LastSeen.Before(cutoff) {
			delete(ft.flows, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// Cleanup purga los flujos inactivos respecto a now.
func (ft *FlowTracker) Cleanup(now time.Time) []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.purgeLocked(now)
}

func (ft *FlowTracker) Has(key string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	_, ok := ft.flows[key]
	return ok
}

func (ft *FlowTracker) Len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.flows)
}

// Dropped: flujos nuevos descartados por tabla llena.
func (ft *FlowTracker) Dropped() uint64 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.dropped
}

// Flows devuelve copias ordenadas por clave.
func (ft *FlowTracker) Flows() []FlowRecord {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]FlowRecord, 0, len(ft.flows))
	for _, rec := range ft.flows {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (ft *FlowTracker) DetectCyclicPattern(key string) CyclicPattern {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	rec, ok := ft.flows[key]
	if !ok {
		return CyclicPattern{}
	}
	return cyclicFromTimestamps(rec.Timestamps, ft.th.CyclicMaxCV)
}

func cyclicFromTimestamps(ts []time.Time, maxCV float64) CyclicPattern {
	res := CyclicPattern{Samples: len(ts)}
	if len(ts) < MinCyclicSamples {
		return res
	}
	intervals := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		intervals = append(intervals, ts[i].Sub(ts[i-1]).Seconds())
	}
	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return res
	}
	sq := 0.0
	for _, v := range intervals {
		d := v - mean
		sq += d * d
	}
	cv := math.Sqrt(sq/float64(len(intervals))) / mean

	res.PeriodMs = mean * 1000
	res.CoefficientOfVariation = cv
	res.Regularity = math.Max(0, 1-cv)
	res.IsCyclic = cv < maxCV
	return res
}

func (ft *FlowTracker) DetectMasterSlave(key string) MasterSlavePattern {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	rec, ok := ft.flows[key]
	if !ok {
		return MasterSlavePattern{}
	}
	res := MasterSlavePattern{RequestCount: rec.PacketsForward, ResponseCount: rec.PacketsReverse}
	if rec.Packets < MinPollingPackets || rec.PacketsReverse == 0 {
		return res
	}
	res.Ratio = float64(rec.PacketsForward) / float64(rec.PacketsReverse)
	res.CommonSizes, res.DominantSizeShare = commonSizes(rec.PayloadSizes)
	res.IsMasterSlave = res.Ratio >= ft.th.PollingRatioMin &&
		res.Ratio <= ft.th.PollingRatioMax &&
		res.DominantSizeShare > ft.th.PollingSizeShare
	return res
}

// commonSizes devuelve los tamaños más frecuentes y la cuota del dominante.
func commonSizes(sizes []int) ([]int, float64) {
	if len(sizes) == 0 {
		return nil, 0
	}
	counts := make(map[int]int)
	for _, s := range sizes {
		counts[s]++
	}
	uniq := make([]int, 0, len(counts))
	for s := range counts {
		uniq = append(uniq, s)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if counts[uniq[i]] != counts[uniq[j]] {
			return counts[uniq[i]] > counts[uniq[j]]
		}
		return uniq[i] < uniq[j]
	})
	share := float64(counts[uniq[0]]) / float64(len(sizes))
	if len(uniq) > MaxCommonSizes {
		uniq = uniq[:MaxCommonSizes]
	}
	return uniq, share
}

// DetectMulticastBus lista los grupos con al menos dos emisores, ordenados por grupo.
func (ft *FlowTracker) DetectMulticastBus() []MulticastBus {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []MulticastBus
	for group, sources := range ft.groups {
		if len(sources) >= MinBusParticipants {
			out = append(out, busFor(group, sources))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// MulticastBusFor es la consulta puntual para un grupo.
func (ft *FlowTracker) MulticastBusFor(group string) (MulticastBus, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	sources, ok := ft.groups[group]
	if !ok || len(sources) < MinBusParticipants {
		return MulticastBus{}, false
	}
	return busFor(group, sources), true
}

func busFor(group string, sources map[string]struct{}) MulticastBus {
	participants := make([]string, 0, len(sources))
	for src := range sources {
		participants = append(participants, src)
	}
	sort.Strings(participants)
	bus := MulticastBus{Group: group, ParticipantCount: len(participants)}
	if len(participants) > MaxBusExamples {
		participants = participants[:MaxBusExamples]
	}
	bus.Participants = participants
	if info, ok := utils.ClassifyGroup(group); ok {
		bus.Protocol = info.Name
	}
	return bus
}

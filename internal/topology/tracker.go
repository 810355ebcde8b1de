package topology

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/soyunomas/topowarden/internal/utils"
)

// Tracker es la tabla compartida de topología. Un único mutex protege todas
// las tablas: los métodos exportados bloquean, los *Locked asumen el lock.
// Los getters devuelven copias.
type Tracker struct {
	limits Limits

	mu      sync.Mutex
	lldp    map[string]*LLDPNeighbor
	cdp     map[string]*CDPNeighbor
	vlans   map[uint16]map[string]struct{}
	groups  map[string]*groupState
	stp     map[string]*STPInfo
	devices map[string]string
	root    string
	dropped uint64
	hook    EventHook
}

type groupState struct {
	info    MulticastGroup
	members map[string]struct{}
}

func NewTracker(limits Limits) *Tracker {
	if limits.MaxVLANs <= 0 || limits.MaxVLANs > MaxVLAN {
		limits.MaxVLANs = MaxVLAN
	}
	t := &Tracker{limits: limits}
	t.resetLocked()
	return t
}

func (t *Tracker) resetLocked() {
	t.lldp = make(map[string]*LLDPNeighbor)
	t.cdp = make(map[string]*CDPNeighbor)
	t.vlans = make(map[uint16]map[string]struct{})
	t.groups = make(map[string]*groupState)
	t.stp = make(map[string]*STPInfo)
	t.devices = make(map[string]string)
	t.root = ""
	t.dropped = 0
}

// SetEventHook registra el callback de hechos nuevos. Se invoca fuera del lock.
func (t *Tracker) SetEventHook(h EventHook) {
	t.mu.Lock()
	t.hook = h
	t.mu.Unlock()
}

func (t *Tracker) emit(hook EventHook, events []Event) {
	if hook == nil {
		return
	}
	for _, ev := range events {
		hook(ev)
	}
}

// UpsertLLDP inserta o fusiona un vecino LLDP. false si la tabla está llena.
func (t *Tracker) UpsertLLDP(n LLDPNeighbor) bool {
	if n.ChassisID == "" {
		return false
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now()
	}

	t.mu.Lock()
	cur, created, ok := utils.InsertIfCapacityRemains(t.lldp, n.ChassisID, t.limits.MaxLLDPNeighbors, func() *LLDPNeighbor {
		c := n
		c.Capabilities = append([]string(nil), n.Capabilities...)
		c.FirstSeen = n.LastSeen
		return &c
	})
	if !ok {
		t.dropped++
		t.mu.Unlock()
		return false
	}
	if !created {
		mergeLLDP(cur, n)
	}
	var events []Event
	if created {
		events = append(events, Event{Kind: EventNewLLDPNeighbor, Key: n.ChassisID, Detail: describe(n.SystemName, n.PortID)})
	}
	t.markSwitchLocked(n.SourceMAC)
	if ValidVLAN(n.PortVLAN) {
		events = append(events, t.addVLANMemberLocked(n.PortVLAN, n.SourceMAC)...)
	}
	hook := t.hook
	t.mu.Unlock()

	t.emit(hook, events)
	return true
}

// mergeLLDP: los campos vacíos del anuncio nuevo no pisan lo conocido.
func mergeLLDP(cur *LLDPNeighbor, n LLDPNeighbor) {
	setIfNotEmpty(&cur.ChassisIDSubtype, n.ChassisIDSubtype)
	setIfNotEmpty(&cur.PortID, n.PortID)
	setIfNotEmpty(&cur.PortDescription, n.PortDescription)
	setIfNotEmpty(&cur.SystemName, n.SystemName)
	setIfNotEmpty(&cur.SystemDescription, n.SystemDescription)
	setIfNotEmpty(&cur.ManagementAddress, n.ManagementAddress)
	setIfNotEmpty(&cur.SourceMAC, n.SourceMAC)
	if len(n.Capabilities) > 0 {
		cur.Capabilities = append([]string(nil), n.Capabilities...)
	}
	if n.PortVLAN != 0 {
		cur.PortVLAN = n.PortVLAN
	}
	cur.TTL = n.TTL
	cur.LastSeen = n.LastSeen
}

func (t *Tracker) UpsertCDP(n CDPNeighbor) bool {
	if n.DeviceID == "" {
		return false
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now()
	}

	t.mu.Lock()
	cur, created, ok := utils.InsertIfCapacityRemains(t.cdp, n.DeviceID, t.limits.MaxCDPNeighbors, func() *CDPNeighbor {
		c := n
		c.Capabilities = append([]string(nil), n.Capabilities...)
		c.Addresses = append([]string(nil), n.Addresses...)
		c.FirstSeen = n.LastSeen
		return &c
	})
	if !ok {
		t.dropped++
		t.mu.Unlock()
		return false
	}
	if !created {
		mergeCDP(cur, n)
	}
	var events []Event
	if created {
		events = append(events, Event{Kind: EventNewCDPNeighbor, Key: n.DeviceID, Detail: describe(n.Platform, n.PortID)})
	}
	t.markSwitchLocked(n.SourceMAC)
	if ValidVLAN(n.NativeVLAN) {
		events = append(events, t.addVLANMemberLocked(n.NativeVLAN, n.SourceMAC)...)
	}
	hook := t.hook
	t.mu.Unlock()

	t.emit(hook, events)
	return true
}

func mergeCDP(cur *CDPNeighbor, n CDPNeighbor) {
	setIfNotEmpty(&cur.PortID, n.PortID)
	setIfNotEmpty(&cur.Platform, n.Platform)
	setIfNotEmpty(&cur.SoftwareVersion, n.SoftwareVersion)
	setIfNotEmpty(&cur.SourceMAC, n.SourceMAC)
	if len(n.Capabilities) > 0 {
		cur.Capabilities = append([]string(nil), n.Capabilities...)
	}
	if len(n.Addresses) > 0 {
		cur.Addresses = append([]string(nil), n.Addresses...)
	}
	if n.NativeVLAN != 0 {
		cur.NativeVLAN = n.NativeVLAN
	}
	cur.LastSeen = n.LastSeen
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func describe(a, b string) string {
	switch {
	case a != "" && b != "":
		return a + " via " + b
	case a != "":
		return a
	default:
		return b
	}
}

// AddVLANMember registra mac en la VLAN. IDs fuera de [1,4094] se ignoran.
func (t *Tracker) AddVLANMember(vlan uint16, mac string) bool {
	if !ValidVLAN(vlan) {
		return false
	}
	t.mu.Lock()
	before := t.dropped
	events := t.addVLANMemberLocked(vlan, mac)
	ok := t.dropped == before
	hook := t.hook
	t.mu.Unlock()

	t.emit(hook, events)
	return ok
}

func (t *Tracker) addVLANMemberLocked(vlan uint16, mac string) []Event {
	members, created, ok := utils.InsertIfCapacityRemains(t.vlans, vlan, t.limits.MaxVLANs, func() map[string]struct{} {
		return make(map[string]struct{})
	})
	if !ok {
		t.dropped++
		return nil
	}
	var events []Event
	if created {
		events = append(events, Event{Kind: EventNewVLAN, Key: vlanKey(vlan)})
	}
	if mac == "" {
		return events
	}
	if _, exists := members[mac]; !exists {
		if t.limits.MaxMACsPerVLAN > 0 && len(members) >= t.limits.MaxMACsPerVLAN {
			t.dropped++
			return events
		}
		members[mac] = struct{}{}
	}
	t.addDeviceLocked(mac, DeviceHost)
	return events
}

func vlanKey(vlan uint16) string {
	return strconv.Itoa(int(vlan))
}

// RecordMulticast apunta member como emisor/receptor del grupo.
// Solo IPv4 224.0.0.0/4 se considera multicast.
func (t *Tracker) RecordMulticast(group, member, protocol string, ts time.Time) bool {
	if !utils.IsMulticastAddr(group) {
		return false
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	t.mu.Lock()
	gs, created, ok := utils.InsertIfCapacityRemains(t.groups, group, t.limits.MaxMulticastGroups, func() *groupState {
		return &groupState{
			info:    MulticastGroup{Group: group, FirstSeen: ts},
			members: make(map[string]struct{}),
		}
	})
	if !ok {
		t.dropped++
		t.mu.Unlock()
		return false
	}
	gs.info.PacketCount++
	gs.info.LastSeen = ts
	if gs.info.Protocol == "" {
		if info, known := utils.ClassifyGroup(group); known {
			gs.info.Protocol = info.Name
		} else {
			gs.info.Protocol = protocol
		}
	}
	if member != "" {
		if _, exists := gs.members[member]; !exists {
			if t.limits.MaxGroupMembers > 0 && len(gs.members) >= t.limits.MaxGroupMembers {
				t.dropped++
			} else {
				gs.members[member] = struct{}{}
			}
		}
	}
	var events []Event
	if created {
		events = append(events, Event{Kind: EventNewMulticastGroup, Key: group, Detail: gs.info.Protocol})
	}
	hook := t.hook
	t.mu.Unlock()

	t.emit(hook, events)
	return true
}

// RecordSTP sustituye la información del puente y recalcula la raíz.
func (t *Tracker) RecordSTP(info STPInfo) bool {
	if info.BridgeID == "" {
		return false
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}

	t.mu.Lock()
	cur, _, ok := utils.InsertIfCapacityRemains(t.stp, info.BridgeID, t.limits.MaxSTPBridges, func() *STPInfo {
		return &STPInfo{}
	})
	if !ok {
		t.dropped++
		t.mu.Unlock()
		return false
	}
	*cur = info
	t.markSwitchLocked(info.SourceMAC)

	var events []Event
	prev := t.root
	t.root = t.rootLocked()
	if t.root != prev {
		events = append(events, Event{Kind: EventRootBridgeChanged, Key: t.root, Detail: prev})
	}
	hook := t.hook
	t.mu.Unlock()

	t.emit(hook, events)
	return true
}

// rootLocked: el menor ID entre los puentes vistos y las raíces que anuncian.
func (t *Tracker) rootLocked() string {
	root := ""
	for id, info := range t.stp {
		for _, cand := range []string{id, info.RootID} {
			if cand != "" && (root == "" || cand < root) {
				root = cand
			}
		}
	}
	return root
}

func (t *Tracker) markSwitchLocked(mac string) {
	if mac == "" {
		return
	}
	if _, exists := t.devices[mac]; !exists && t.limits.MaxDevices > 0 && len(t.devices) >= t.limits.MaxDevices {
		t.dropped++
		return
	}
	t.devices[mac] = DeviceSwitch
}

// addDeviceLocked nunca degrada un switch a host.
func (t *Tracker) addDeviceLocked(mac, kind string) {
	if _, exists := t.devices[mac]; exists {
		return
	}
	if t.limits.MaxDevices > 0 && len(t.devices) >= t.limits.MaxDevices {
		t.dropped++
		return
	}
	t.devices[mac] = kind
}

// ObserveDevice registra un origen visto en el cable.
func (t *Tracker) ObserveDevice(mac string) {
	if mac == "" {
		return
	}
	t.mu.Lock()
	t.addDeviceLocked(mac, DeviceHost)
	t.mu.Unlock()
}

// DeviceType: "switch" si la MAC originó LLDP/CDP/STP, si no "host".
func (t *Tracker) DeviceType(mac string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.devices[mac] == DeviceSwitch {
		return DeviceSwitch
	}
	return DeviceHost
}

func (t *Tracker) LLDPNeighbors() []LLDPNeighbor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LLDPNeighbor, 0, len(t.lldp))
	for _, n := range t.lldp {
		c := *n
		c.Capabilities = append([]string(nil), n.Capabilities...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChassisID < out[j].ChassisID })
	return out
}

func (t *Tracker) CDPNeighbors() []CDPNeighbor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CDPNeighbor, 0, len(t.cdp))
	for _, n := range t.cdp {
		c := *n
		c.Capabilities = append([]string(nil), n.Capabilities...)
		c.Addresses = append([]string(nil), n.Addresses...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// VLANTopology devuelve VLAN -> MACs ordenadas.
func (t *Tracker) VLANTopology() map[uint16][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint16][]string, len(t.vlans))
	for id, members := range t.vlans {
		macs := make([]string, 0, len(members))
		for mac := range members {
			macs = append(macs, mac)
		}
		sort.Strings(macs)
		out[id] = macs
	}
	return out
}

func (t *Tracker) MulticastGroups() []MulticastGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MulticastGroup, 0, len(t.groups))
	for _, gs := range t.groups {
		g := gs.info
		g.Members = make([]string, 0, len(gs.members))
		for m := range gs.members {
			g.Members = append(g.Members, m)
		}
		sort.Strings(g.Members)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

func (t *Tracker) STPBridges() []STPInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]STPInfo, 0, len(t.stp))
	for _, info := range t.stp {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BridgeID < out[j].BridgeID })
	return out
}

// STPRootBridge devuelve el ID del puente raíz o "" si no hay BPDUs.
func (t *Tracker) STPRootBridge() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		LLDPNeighbors:   len(t.lldp),
		CDPNeighbors:    len(t.cdp),
		VLANs:           len(t.vlans),
		MulticastGroups: len(t.groups),
		STPBridges:      len(t.stp),
		Devices:         len(t.devices),
		RootBridge:      t.root,
		Dropped:         t.dropped,
	}
	for _, kind := range t.devices {
		if kind == DeviceSwitch {
			s.Switches++
		}
	}
	return s
}

// Clear vacía todas las tablas de forma atómica. El hook se conserva.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

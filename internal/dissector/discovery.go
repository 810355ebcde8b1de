package dissector

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	werrors "github.com/soyunomas/topowarden/internal/errors"
	"github.com/soyunomas/topowarden/internal/topology"
)

var (
	lldpMulticastMAC = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}
	cdpMulticastMAC  = net.HardwareAddr{0x01, 0x00, 0x0c, 0xcc, 0xcc, 0xcc}
)

const (
	etherTypeLLDP = 0x88cc

	// BPDU: protocolo(2) versión(1) tipo(1) flags(1) root(8) coste(4) bridge(8) puerto(2)
	bpduConfigMinLen = 27
	bpduTypeTCN      = 0x80
	bpduFlagTC       = 0x01
)

// ----------------------------------------------------------------------------
// LLDP
// ----------------------------------------------------------------------------

func isLLDPFrame(eth *layers.Ethernet) bool {
	return bytes.Equal(eth.DstMAC, lldpMulticastMAC) || uint16(eth.EthernetType) == etherTypeLLDP
}

func parseLLDP(pkt gopacket.Packet, eth *layers.Ethernet, ts time.Time) (*topology.LLDPNeighbor, error) {
	l, ok := pkt.Layer(layers.LayerTypeLinkLayerDiscovery).(*layers.LinkLayerDiscovery)
	if !ok {
		if uint16(eth.EthernetType) == etherTypeLLDP {
			return nil, werrors.New(werrors.KindMalformed, "LLDP frame without decodable TLVs")
		}
		return nil, nil
	}

	n := &topology.LLDPNeighbor{
		ChassisID:        formatChassisID(l.ChassisID),
		ChassisIDSubtype: l.ChassisID.Subtype.String(),
		PortID:           formatPortID(l.PortID),
		TTL:              l.TTL,
		SourceMAC:        eth.SrcMAC.String(),
		LastSeen:         ts,
	}
	if n.ChassisID == "" {
		return nil, werrors.New(werrors.KindMalformed, "LLDP chassis id is empty")
	}

	info, ok := pkt.Layer(layers.LayerTypeLinkLayerDiscoveryInfo).(*layers.LinkLayerDiscoveryInfo)
	if !ok {
		return n, nil
	}
	n.PortDescription = cleanString(info.PortDescription)
	n.SystemName = cleanString(info.SysName)
	n.SystemDescription = cleanString(info.SysDescription)
	n.Capabilities = lldpCapabilities(info.SysCapabilities)
	n.ManagementAddress = formatMgmtAddress(info.MgmtAddress)

	// TLVs 802.1 (PVID). Un TLV organizacional corrupto no invalida el vecino.
	if dot1, err := info.Decode8021(); err == nil && topology.ValidVLAN(dot1.PVID) {
		n.PortVLAN = dot1.PVID
	}
	return n, nil
}

func formatChassisID(c layers.LLDPChassisID) string {
	switch c.Subtype {
	case layers.LLDPChassisIDSubTypeMACAddr:
		if len(c.ID) == 6 {
			return net.HardwareAddr(c.ID).String()
		}
	case layers.LLDPChassisIDSubTypeNetworkAddr:
		if ip := ianaAddress(c.ID); ip != "" {
			return ip
		}
	}
	return printableOrHex(c.ID)
}

func formatPortID(p layers.LLDPPortID) string {
	switch p.Subtype {
	case layers.LLDPPortIDSubtypeMACAddr:
		if len(p.ID) == 6 {
			return net.HardwareAddr(p.ID).String()
		}
	case layers.LLDPPortIDSubtypeNetworkAddr:
		if ip := ianaAddress(p.ID); ip != "" {
			return ip
		}
	}
	return printableOrHex(p.ID)
}

// ianaAddress: primer byte = familia IANA, resto = dirección.
func ianaAddress(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	return formatMgmtAddress(layers.LLDPMgmtAddress{Subtype: layers.IANAAddressFamily(b[0]), Address: b[1:]})
}

func formatMgmtAddress(m layers.LLDPMgmtAddress) string {
	switch {
	case m.Subtype == layers.IANAAddressFamilyIPV4 && len(m.Address) == net.IPv4len:
		return net.IP(m.Address).String()
	case m.Subtype == layers.IANAAddressFamilyIPV6 && len(m.Address) == net.IPv6len:
		return net.IP(m.Address).String()
	case m.Subtype == layers.IANAAddressFamily802 && len(m.Address) == 6:
		return net.HardwareAddr(m.Address).String()
	}
	return ""
}

func lldpCapabilities(sc layers.LLDPSysCapabilities) []string {
	caps := capabilityNames(sc.EnabledCap)
	if len(caps) == 0 {
		caps = capabilityNames(sc.SystemCap)
	}
	return caps
}

func capabilityNames(c layers.LLDPCapabilities) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(c.Other, "other")
	add(c.Repeater, "repeater")
	add(c.Bridge, "bridge")
	add(c.WLANAP, "wlan-ap")
	add(c.Router, "router")
	add(c.Phone, "phone")
	add(c.DocSis, "docsis")
	add(c.StationOnly, "station")
	add(c.CVLAN, "c-vlan")
	add(c.SVLAN, "s-vlan")
	add(c.TMPR, "tpmr")
	return out
}

// ----------------------------------------------------------------------------
// CDP
// ----------------------------------------------------------------------------

func isCDPFrame(eth *layers.Ethernet) bool {
	return bytes.Equal(eth.DstMAC, cdpMulticastMAC)
}

func parseCDP(pkt gopacket.Packet, eth *layers.Ethernet, ts time.Time) (*topology.CDPNeighbor, error) {
	info, ok := pkt.Layer(layers.LayerTypeCiscoDiscoveryInfo).(*layers.CiscoDiscoveryInfo)
	if !ok {
		// VTP/DTP/PAgP/UDLD comparten MAC destino con CDP
		if pkt.Layer(layers.LayerTypeCiscoDiscovery) != nil {
			return nil, werrors.New(werrors.KindMalformed, "CDP header without decodable TLVs")
		}
		return nil, nil
	}
	if info.DeviceID == "" {
		return nil, werrors.New(werrors.KindMalformed, "CDP device id is empty")
	}

	n := &topology.CDPNeighbor{
		DeviceID:        cleanString(info.DeviceID),
		PortID:          cleanString(info.PortID),
		Platform:        cleanString(info.Platform),
		SoftwareVersion: firstLine(info.Version),
		Capabilities:    cdpCapabilities(info.Capabilities),
		SourceMAC:       eth.SrcMAC.String(),
		LastSeen:        ts,
	}
	if topology.ValidVLAN(info.NativeVLAN) {
		n.NativeVLAN = info.NativeVLAN
	}
	seen := make(map[string]bool)
	for _, ip := range append(append([]net.IP(nil), info.Addresses...), info.MgmtAddresses...) {
		s := ip.String()
		if ip != nil && !seen[s] {
			seen[s] = true
			n.Addresses = append(n.Addresses, s)
		}
	}
	return n, nil
}

func cdpCapabilities(c layers.CDPCapabilities) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(c.L3Router, "router")
	add(c.TBBridge, "tb-bridge")
	add(c.SPBridge, "sp-bridge")
	add(c.L2Switch, "switch")
	add(c.IsHost, "host")
	add(c.IGMPFilter, "igmp-filter")
	add(c.L1Repeater, "repeater")
	add(c.IsPhone, "phone")
	add(c.RemotelyManaged, "remote-managed")
	return out
}

// ----------------------------------------------------------------------------
// STP
// ----------------------------------------------------------------------------

// parseBPDU decodifica a mano la BPDU: la capa STP de gopacket solo expone Contents.
// Las TCN no llevan identificadores y devuelven BridgeID vacío.
func parseBPDU(data []byte, eth *layers.Ethernet, ts time.Time) (*topology.STPInfo, error) {
	if len(data) < 4 {
		return nil, werrors.Errorf(werrors.KindMalformed, "BPDU too short: %d bytes", len(data))
	}
	if proto := binary.BigEndian.Uint16(data[0:2]); proto != 0 {
		return nil, werrors.Errorf(werrors.KindMalformed, "BPDU protocol id 0x%04x", proto)
	}
	info := &topology.STPInfo{
		Version:  data[2],
		LastSeen: ts,
	}
	if eth != nil {
		info.SourceMAC = eth.SrcMAC.String()
	}
	if data[3] == bpduTypeTCN {
		info.TopologyChange = true
		return info, nil
	}
	if len(data) < bpduConfigMinLen {
		return nil, werrors.Errorf(werrors.KindMalformed, "configuration BPDU too short: %d bytes", len(data))
	}
	info.TopologyChange = data[4]&bpduFlagTC != 0
	info.RootID = FormatBridgeID(data[5:13])
	info.RootPathCost = binary.BigEndian.Uint32(data[13:17])
	info.BridgeID = FormatBridgeID(data[17:25])
	info.PortID = binary.BigEndian.Uint16(data[25:27])
	return info, nil
}

// FormatBridgeID: prioridad (4 hex) + "." + MAC. Ordena igual que el ID binario.
func FormatBridgeID(b []byte) string {
	if len(b) != 8 {
		return ""
	}
	return fmt.Sprintf("%04x.%s", binary.BigEndian.Uint16(b[0:2]), net.HardwareAddr(b[2:8]).String())
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func cleanString(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func firstLine(s string) string {
	s = cleanString(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func printableOrHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return hex.EncodeToString(b)
		}
	}
	return string(b)
}

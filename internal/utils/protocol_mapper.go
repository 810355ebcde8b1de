package utils

import (
	"net"
	"strings"
)

// ProtocolInfo define la metadata de un protocolo conocido (por MAC o grupo multicast).
type ProtocolInfo struct {
	Name        string
	Description string
	IsCritical  bool // Si es true, afecta infraestructura (STP, LACP, Gateways)
}

// Direcciones MAC destino de control L2.
// Usamos string como key porque net.HardwareAddr no es comparable directamente como map key.
var macMatches = map[string]ProtocolInfo{
	"ff:ff:ff:ff:ff:ff": {"Broadcast", "General Broadcast (ARP, DHCP, flooding)", false},

	// --- IEEE 802.1 Control ---
	"01:80:c2:00:00:00": {"STP", "Spanning Tree Protocol (BPDU)", true},
	"01:80:c2:00:00:01": {"Pause", "Ethernet Flow Control (Pause Frames)", true},
	"01:80:c2:00:00:02": {"LACP/OAM", "Link Aggregation / Slow Protocols", true},
	"01:80:c2:00:00:03": {"802.1X", "Port Authentication (EAPOL)", true},
	"01:80:c2:00:00:0e": {"LLDP", "Link Layer Discovery Protocol", true},
	"01:80:c2:00:00:21": {"GVRP", "GARP VLAN Registration Protocol", true},

	// --- CISCO Proprietary ---
	"01:00:0c:cc:cc:cc": {"CDP", "CDP / VTP / DTP / PAgP / UDLD", true},
	"01:00:0c:cc:cc:cd": {"Cisco SSTP", "Shared Spanning Tree Protocol", true},
}

// Grupos IPv4 multicast bien conocidos.
var groupMatches = map[string]ProtocolInfo{
	"224.0.0.1":       {"All-Hosts", "All Systems on this Subnet", false},
	"224.0.0.2":       {"All-Routers", "All Routers on this Subnet", true},
	"224.0.0.5":       {"OSPF", "Open Shortest Path First (All OSPF Routers)", true},
	"224.0.0.6":       {"OSPF-DR", "OSPF Designated Routers", true},
	"224.0.0.9":       {"RIPv2", "Routing Information Protocol v2", true},
	"224.0.0.13":      {"PIM", "Protocol Independent Multicast", true},
	"224.0.0.18":      {"VRRP", "Virtual Router Redundancy Protocol", true},
	"224.0.0.22":      {"IGMPv3", "IGMPv3 Membership Reports", false},
	"224.0.0.102":     {"HSRPv2", "Cisco Hot Standby Router Protocol v2", true},
	"224.0.0.251":     {"mDNS", "Multicast DNS (Bonjour/Avahi)", false},
	"224.0.0.252":     {"LLMNR", "Link-Local Multicast Name Resolution", false},
	"224.0.1.1":       {"NTP", "Network Time Protocol", false},
	"224.0.1.129":     {"PTP", "Precision Time Protocol (Event)", true},
	"224.0.1.130":     {"PTP", "Precision Time Protocol (General)", true},
	"239.255.255.250": {"SSDP", "UPnP / Simple Service Discovery", false},
	"239.255.255.253": {"SLP", "Service Location Protocol", false},
}

// ClassifyMAC identifica el propósito de una dirección MAC destino.
func ClassifyMAC(mac net.HardwareAddr) ProtocolInfo {
	if len(mac) != 6 {
		return ProtocolInfo{"Invalid", "Not an Ethernet MAC", false}
	}
	if info, ok := macMatches[strings.ToLower(mac.String())]; ok {
		return info
	}
	// IPv4 Multicast Range: 01:00:5e:xx:xx:xx
	if mac[0] == 0x01 && mac[1] == 0x00 && mac[2] == 0x5e {
		return ProtocolInfo{"IPv4 Multicast", "IP Multicast Group Traffic", false}
	}
	// IPv6 Multicast Range: 33:33:xx:xx:xx:xx
	if mac[0] == 0x33 && mac[1] == 0x33 {
		return ProtocolInfo{"IPv6 Multicast", "IPv6 Neighbor Discovery / Services", false}
	}
	if IsUnicastMAC(mac) {
		return ProtocolInfo{"Unicast", "Standard Station Traffic", false}
	}
	return ProtocolInfo{"Unknown Multicast", "Proprietary or unregistered multicast", false}
}

// ClassifyGroup etiqueta un grupo IPv4 multicast. ok=false si no está en la tabla.
func ClassifyGroup(group string) (ProtocolInfo, bool) {
	info, ok := groupMatches[group]
	return info, ok
}

// IsUnicastMAC: bit 0 del primer byte indica Multicast (1) o Unicast (0).
func IsUnicastMAC(mac net.HardwareAddr) bool {
	return len(mac) > 0 && (mac[0]&0x01) == 0
}

// IsMulticastIPv4 devuelve true solo para IPv4 con primer octeto en [224,239].
func IsMulticastIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] >= 224 && v4[0] <= 239
}

// IsMulticastAddr es la variante para direcciones en texto.
func IsMulticastAddr(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return IsMulticastIPv4(ip)
}

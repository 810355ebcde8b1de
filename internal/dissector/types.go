package dissector

import (
	"time"

	"github.com/soyunomas/topowarden/internal/topology"
)

const (
	L7Unknown = "Unknown"

	MethodPort      = "port"
	MethodSignature = "signature"
)

// DissectedPacket es el resultado por paquete. Cada sub-registro es nil
// cuando la capa no está presente o no se pudo decodificar.
type DissectedPacket struct {
	Timestamp time.Time `json:"timestamp"`
	Length    int       `json:"length"`
	Protocols []string  `json:"protocols"`
	Malformed []string  `json:"malformed,omitempty"`

	Ethernet *EthernetInfo          `json:"ethernet,omitempty"`
	VLAN     *VLANInfo              `json:"vlan,omitempty"`
	LLDP     *topology.LLDPNeighbor `json:"lldp,omitempty"`
	CDP      *topology.CDPNeighbor  `json:"cdp,omitempty"`
	STP      *topology.STPInfo      `json:"stp,omitempty"`
	ARP      *ARPInfo               `json:"arp,omitempty"`
	IP       *IPInfo                `json:"ip,omitempty"`
	TCP      *TCPInfo               `json:"tcp,omitempty"`
	UDP      *UDPInfo               `json:"udp,omitempty"`
	ICMP     *ICMPInfo              `json:"icmp,omitempty"`
	IGMP     *IGMPInfo              `json:"igmp,omitempty"`
	DNS      *DNSInfo               `json:"dns,omitempty"`
	DHCP     *DHCPInfo              `json:"dhcp,omitempty"`

	// Transport es "TCP" o "UDP"; Payload es la carga útil de transporte.
	Transport string `json:"transport,omitempty"`
	Payload   []byte `json:"-"`

	L7Protocol   string  `json:"l7_protocol"`
	L7Confidence float64 `json:"l7_confidence"`
	L7Method     string  `json:"l7_method,omitempty"`

	MulticastGroup string `json:"multicast_group,omitempty"`
}

// SrcPort/DstPort del transporte, 0 si no hay.
func (dp *DissectedPacket) Ports() (uint16, uint16) {
	switch {
	case dp.TCP != nil:
		return dp.TCP.SrcPort, dp.TCP.DstPort
	case dp.UDP != nil:
		return dp.UDP.SrcPort, dp.UDP.DstPort
	}
	return 0, 0
}

type EthernetInfo struct {
	SrcMAC    string `json:"src_mac"`
	DstMAC    string `json:"dst_mac"`
	EtherType string `json:"ethertype"`
	DstLabel  string `json:"dst_label"`
}

type VLANInfo struct {
	ID       uint16 `json:"id"`
	Priority uint8  `json:"priority"`
}

type ARPInfo struct {
	Operation string `json:"operation"`
	SenderMAC string `json:"sender_mac"`
	SenderIP  string `json:"sender_ip"`
	TargetMAC string `json:"target_mac"`
	TargetIP  string `json:"target_ip"`
}

type IPInfo struct {
	Version     int    `json:"version"`
	SrcIP       string `json:"src_ip"`
	DstIP       string `json:"dst_ip"`
	Protocol    string `json:"protocol"`
	TTL         uint8  `json:"ttl"`
	IsMulticast bool   `json:"is_multicast"`
}

type TCPInfo struct {
	SrcPort uint16 `json:"src_port"`
	DstPort uint16 `json:"dst_port"`
	Flags   string `json:"flags"`
	Seq     uint32 `json:"seq"`
}

type UDPInfo struct {
	SrcPort uint16 `json:"src_port"`
	DstPort uint16 `json:"dst_port"`
	Length  uint16 `json:"length"`
}

type ICMPInfo struct {
	Version  int    `json:"version"`
	Type     uint8  `json:"type"`
	Code     uint8  `json:"code"`
	TypeName string `json:"type_name"`
}

type IGMPInfo struct {
	Version int      `json:"version"`
	Type    string   `json:"type"`
	Groups  []string `json:"groups,omitempty"`
}

type DNSQuery struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type DNSAnswer struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

type DNSInfo struct {
	ID         uint16      `json:"id"`
	IsResponse bool        `json:"is_response"`
	Queries    []DNSQuery  `json:"queries,omitempty"`
	Answers    []DNSAnswer `json:"answers,omitempty"`
	Decoder    string      `json:"decoder"`
}

type DHCPInfo struct {
	MessageType      string  `json:"message_type"`
	ClientMAC        string  `json:"client_mac"`
	HostName         string  `json:"hostname,omitempty"`
	VendorClass      string  `json:"vendor_class,omitempty"`
	RequestedIP      string  `json:"requested_ip,omitempty"`
	YourIP           string  `json:"your_ip,omitempty"`
	ParameterRequest []uint8 `json:"parameter_request,omitempty"`
}

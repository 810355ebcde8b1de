// Package topology mantiene la foto acotada de la red aprendida de forma pasiva:
// vecinos LLDP/CDP, VLANs, grupos multicast y puentes STP.
package topology

import (
	"time"

	"github.com/soyunomas/topowarden/internal/config"
)

type LLDPNeighbor struct {
	ChassisID         string    `json:"chassis_id"`
	ChassisIDSubtype  string    `json:"chassis_id_subtype,omitempty"`
	PortID            string    `json:"port_id"`
	PortDescription   string    `json:"port_description,omitempty"`
	SystemName        string    `json:"system_name,omitempty"`
	SystemDescription string    `json:"system_description,omitempty"`
	Capabilities      []string  `json:"capabilities,omitempty"`
	ManagementAddress string    `json:"management_address,omitempty"`
	PortVLAN          uint16    `json:"port_vlan,omitempty"`
	TTL               uint16    `json:"ttl"`
	SourceMAC         string    `json:"source_mac"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
}

type CDPNeighbor struct {
	DeviceID        string    `json:"device_id"`
	PortID          string    `json:"port_id,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	SoftwareVersion string    `json:"software_version,omitempty"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	Addresses       []string  `json:"addresses,omitempty"`
	NativeVLAN      uint16    `json:"native_vlan,omitempty"`
	SourceMAC       string    `json:"source_mac"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

type MulticastGroup struct {
	Group       string    `json:"group"`
	Protocol    string    `json:"protocol,omitempty"`
	Members     []string  `json:"members"`
	PacketCount uint64    `json:"packet_count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// STPInfo es la última BPDU vista de un puente. Los Bridge/Root ID se
// formatean como "prio.mac" (4 hex + MAC) para que el orden lexicográfico
// coincida con el de 802.1D.
type STPInfo struct {
	BridgeID       string    `json:"bridge_id"`
	RootID         string    `json:"root_id"`
	RootPathCost   uint32    `json:"root_path_cost"`
	PortID         uint16    `json:"port_id"`
	Version        uint8     `json:"version"`
	TopologyChange bool      `json:"topology_change"`
	SourceMAC      string    `json:"source_mac"`
	LastSeen       time.Time `json:"last_seen"`
}

// Summary: tamaños de tabla y hechos destacados.
type Summary struct {
	LLDPNeighbors   int    `json:"lldp_neighbors"`
	CDPNeighbors    int    `json:"cdp_neighbors"`
	VLANs           int    `json:"vlans"`
	MulticastGroups int    `json:"multicast_groups"`
	STPBridges      int    `json:"stp_bridges"`
	Devices         int    `json:"devices"`
	Switches        int    `json:"switches"`
	RootBridge      string `json:"root_bridge,omitempty"`
	Dropped         uint64 `json:"dropped"`
}

const (
	DeviceSwitch = "switch"
	DeviceHost   = "host"

	MinVLAN = 1
	MaxVLAN = 4094
)

// ValidVLAN: 0 (priority tag) y 4095 (reservado) se tratan como ausentes.
func ValidVLAN(id uint16) bool {
	return id >= MinVLAN && id <= MaxVLAN
}

type EventKind string

const (
	EventNewLLDPNeighbor   EventKind = "new_lldp_neighbor"
	EventNewCDPNeighbor    EventKind = "new_cdp_neighbor"
	EventRootBridgeChanged EventKind = "stp_root_changed"
	EventNewVLAN           EventKind = "new_vlan"
	EventNewMulticastGroup EventKind = "new_multicast_group"
)

// Event es un hecho nuevo de topología.
type Event struct {
	Kind   EventKind
	Key    string
	Detail string
}

type EventHook func(Event)

// Limits: tope de cada tabla. 0 = sin límite.
type Limits struct {
	MaxLLDPNeighbors   int
	MaxCDPNeighbors    int
	MaxVLANs           int
	MaxMACsPerVLAN     int
	MaxMulticastGroups int
	MaxGroupMembers    int
	MaxSTPBridges      int
	MaxDevices         int
}

func DefaultLimits() Limits {
	return Limits{
		MaxLLDPNeighbors:   1000,
		MaxCDPNeighbors:    1000,
		MaxVLANs:           MaxVLAN,
		MaxMACsPerVLAN:     4096,
		MaxMulticastGroups: 1000,
		MaxGroupMembers:    100,
		MaxSTPBridges:      256,
		MaxDevices:         10000,
	}
}

func LimitsFromConfig(c *config.TopologyConfig) Limits {
	return Limits{
		MaxLLDPNeighbors:   c.MaxLLDPNeighbors,
		MaxCDPNeighbors:    c.MaxCDPNeighbors,
		MaxVLANs:           c.MaxVLANs,
		MaxMACsPerVLAN:     c.MaxMACsPerVLAN,
		MaxMulticastGroups: c.MaxMulticastGroups,
		MaxGroupMembers:    c.MaxGroupMembers,
		MaxSTPBridges:      c.MaxSTPBridges,
		MaxDevices:         c.MaxDevices,
	}
}

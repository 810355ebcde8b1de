package dissector

import (
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/soyunomas/topowarden/internal/config"
)

// Capabilities son los decodificadores opcionales activos, decididos una sola
// vez al arrancar. Un decodificador se activa si la configuración lo pide y
// gopacket tiene registrada su capa.
type Capabilities struct {
	LLDP bool
	CDP  bool
	STP  bool
	IGMP bool
}

func AllCapabilities() Capabilities {
	return Capabilities{LLDP: true, CDP: true, STP: true, IGMP: true}
}

func NegotiateCapabilities(cfg config.DissectorConfig) Capabilities {
	return Capabilities{
		LLDP: cfg.LLDP && registered(layers.LayerTypeLinkLayerDiscovery, layers.LayerTypeLinkLayerDiscoveryInfo),
		CDP:  cfg.CDP && registered(layers.LayerTypeCiscoDiscovery, layers.LayerTypeCiscoDiscoveryInfo),
		STP:  cfg.STP && registered(layers.LayerTypeSTP),
		IGMP: cfg.IGMP && registered(layers.LayerTypeIGMP),
	}
}

// registered: una LayerType sin metadata se imprime como su número.
func registered(types ...gopacket.LayerType) bool {
	for _, lt := range types {
		if lt.String() == strconv.Itoa(int(lt)) {
			return false
		}
	}
	return true
}

// Enabled devuelve los nombres activos, para el log de arranque.
func (c Capabilities) Enabled() []string {
	var out []string
	if c.LLDP {
		out = append(out, "LLDP")
	}
	if c.CDP {
		out = append(out, "CDP")
	}
	if c.STP {
		out = append(out, "STP")
	}
	if c.IGMP {
		out = append(out, "IGMP")
	}
	return out
}

// Package dissector decodifica cada trama capa a capa (Ethernet hasta DNS),
// clasifica la aplicación y alimenta el tracker de topología.
//
// Cada sub-disector corre bajo su propio recover: una capa malformada deja su
// sub-registro a nil, se anota en Malformed y el resto del paquete sigue.
package dissector

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"

	werrors "github.com/soyunomas/topowarden/internal/errors"
	"github.com/soyunomas/topowarden/internal/telemetry"
	"github.com/soyunomas/topowarden/internal/topology"
	"github.com/soyunomas/topowarden/internal/utils"
)

const (
	decoderGopacket = "gopacket"
	decoderMiekg    = "miekg"

	portDNS       = 53
	portMDNS      = 5353
	portLLMNR     = 5355
	portDHCPSrv   = 67
	portDHCPCli   = 68
	dnsHeaderSize = 12
)

// Dissector es seguro para uso concurrente: no guarda estado por paquete y
// el tracker compartido tiene su propio lock.
type Dissector struct {
	caps    Capabilities
	tracker *topology.Tracker
	log     *slog.Logger
}

// New crea un disector. tracker puede ser nil (solo decodificación).
func New(caps Capabilities, tracker *topology.Tracker, log *slog.Logger) *Dissector {
	if log == nil {
		log = slog.Default()
	}
	return &Dissector{caps: caps, tracker: tracker, log: log}
}

func (d *Dissector) Capabilities() Capabilities { return d.caps }

// dissection es el estado de un paquete en curso.
type dissection struct {
	pkt        gopacket.Packet
	dp         *DissectedPacket
	eth        *layers.Ethernet
	igmpReport bool
}

// DissectPacket nunca entra en pánico ni devuelve error. Un paquete nil
// produce un resultado vacío con L7 "Unknown".
func (d *Dissector) DissectPacket(pkt gopacket.Packet) (dp *DissectedPacket) {
	dp = &DissectedPacket{L7Protocol: L7Unknown}
	if pkt == nil {
		return dp
	}
	defer func() {
		if r := recover(); r != nil {
			d.malformed(dp, "packet", werrors.Errorf(werrors.KindInternal, "panic: %v", r))
		}
	}()

	if md := pkt.Metadata(); md != nil {
		dp.Timestamp = md.Timestamp
		dp.Length = md.Length
	}
	if dp.Timestamp.IsZero() {
		dp.Timestamp = time.Now()
	}
	if dp.Length == 0 {
		dp.Length = len(pkt.Data())
	}
	for _, l := range pkt.Layers() {
		dp.Protocols = append(dp.Protocols, l.LayerType().String())
	}
	if el := pkt.ErrorLayer(); el != nil {
		d.malformed(dp, "decode", werrors.Wrap(el.Error(), werrors.KindMalformed, "gopacket decode failure"))
	}

	s := &dissection{pkt: pkt, dp: dp}

	d.run(dp, "ethernet", s.ethernet)
	d.run(dp, "vlan", s.vlan)
	if d.caps.LLDP {
		d.run(dp, "lldp", s.lldp)
	}
	if d.caps.CDP {
		d.run(dp, "cdp", s.cdp)
	}
	if d.caps.STP {
		d.run(dp, "stp", s.stp)
	}
	d.run(dp, "arp", s.arp)
	d.run(dp, "ip", s.ip)
	d.run(dp, "transport", s.transport)
	d.run(dp, "icmp", s.icmp)
	if d.caps.IGMP {
		d.run(dp, "igmp", s.igmp)
	}
	d.run(dp, "dns", s.dns)
	d.run(dp, "dhcp", s.dhcp)
	d.run(dp, "l7", s.l7)

	if d.tracker != nil {
		d.run(dp, "topology", func() error { return d.record(s) })
	}
	return dp
}

// run ejecuta un sub-disector aislando errores y pánicos.
func (d *Dissector) run(dp *DissectedPacket, layer string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.malformed(dp, layer, werrors.Errorf(werrors.KindInternal, "panic in %s dissector: %v", layer, r))
		}
	}()
	if err := fn(); err != nil {
		d.malformed(dp, layer, err)
	}
}

func (d *Dissector) malformed(dp *DissectedPacket, layer string, err error) {
	dp.Malformed = append(dp.Malformed, layer)
	telemetry.MalformedLayers.WithLabelValues(layer).Inc()
	d.log.Debug("Malformed layer",
		"layer", layer,
		"kind", werrors.GetKind(err).String(),
		"error", err)
}

// ----------------------------------------------------------------------------
// L2
// ----------------------------------------------------------------------------

func (s *dissection) ethernet() error {
	eth, ok := s.pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil
	}
	s.eth = eth
	s.dp.Ethernet = &EthernetInfo{
		SrcMAC:    eth.SrcMAC.String(),
		DstMAC:    eth.DstMAC.String(),
		EtherType: eth.EthernetType.String(),
		DstLabel:  utils.ClassifyMAC(eth.DstMAC).Name,
	}
	return nil
}

// vlan: IDs 0 y 4095 son reservados y se tratan como ausentes.
func (s *dissection) vlan() error {
	q, ok := s.pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q)
	if !ok || !topology.ValidVLAN(q.VLANIdentifier) {
		return nil
	}
	s.dp.VLAN = &VLANInfo{ID: q.VLANIdentifier, Priority: q.Priority}
	return nil
}

func (s *dissection) lldp() error {
	if s.eth == nil || !isLLDPFrame(s.eth) {
		return nil
	}
	n, err := parseLLDP(s.pkt, s.eth, s.dp.Timestamp)
	if err != nil {
		return err
	}
	s.dp.LLDP = n
	return nil
}

func (s *dissection) cdp() error {
	if s.eth == nil || !isCDPFrame(s.eth) {
		return nil
	}
	n, err := parseCDP(s.pkt, s.eth, s.dp.Timestamp)
	if err != nil {
		return err
	}
	s.dp.CDP = n
	return nil
}

func (s *dissection) stp() error {
	l, ok := s.pkt.Layer(layers.LayerTypeSTP).(*layers.STP)
	if !ok {
		return nil
	}
	info, err := parseBPDU(l.Contents, s.eth, s.dp.Timestamp)
	if err != nil {
		return err
	}
	s.dp.STP = info
	return nil
}

func (s *dissection) arp() error {
	a, ok := s.pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		return nil
	}
	op := "other"
	switch a.Operation {
	case layers.ARPRequest:
		op = "request"
	case layers.ARPReply:
		op = "reply"
	}
	s.dp.ARP = &ARPInfo{
		Operation: op,
		SenderMAC: net.HardwareAddr(a.SourceHwAddress).String(),
		SenderIP:  net.IP(a.SourceProtAddress).String(),
		TargetMAC: net.HardwareAddr(a.DstHwAddress).String(),
		TargetIP:  net.IP(a.DstProtAddress).String(),
	}
	return nil
}

// ----------------------------------------------------------------------------
// L3 / L4
// ----------------------------------------------------------------------------

func (s *dissection) ip() error {
	switch l := s.pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		s.dp.IP = &IPInfo{
			Version:     4,
			SrcIP:       l.SrcIP.String(),
			DstIP:       l.DstIP.String(),
			Protocol:    l.Protocol.String(),
			TTL:         l.TTL,
			IsMulticast: l.DstIP.IsMulticast(),
		}
		if utils.IsMulticastIPv4(l.DstIP) {
			s.dp.MulticastGroup = l.DstIP.String()
		}
	case *layers.IPv6:
		s.dp.IP = &IPInfo{
			Version:     6,
			SrcIP:       l.SrcIP.String(),
			DstIP:       l.DstIP.String(),
			Protocol:    l.NextHeader.String(),
			TTL:         l.HopLimit,
			IsMulticast: l.DstIP.IsMulticast(),
		}
	}
	return nil
}

func (s *dissection) transport() error {
	switch l := s.pkt.TransportLayer().(type) {
	case *layers.TCP:
		s.dp.TCP = &TCPInfo{
			SrcPort: uint16(l.SrcPort),
			DstPort: uint16(l.DstPort),
			Flags:   tcpFlags(l),
			Seq:     l.Seq,
		}
		s.dp.Transport = "TCP"
		s.dp.Payload = l.Payload
	case *layers.UDP:
		s.dp.UDP = &UDPInfo{
			SrcPort: uint16(l.SrcPort),
			DstPort: uint16(l.DstPort),
			Length:  l.Length,
		}
		s.dp.Transport = "UDP"
		s.dp.Payload = l.Payload
	}
	return nil
}

func tcpFlags(t *layers.TCP) string {
	var f []string
	add := func(on bool, name string) {
		if on {
			f = append(f, name)
		}
	}
	add(t.SYN, "SYN")
	add(t.ACK, "ACK")
	add(t.FIN, "FIN")
	add(t.RST, "RST")
	add(t.PSH, "PSH")
	add(t.URG, "URG")
	add(t.ECE, "ECE")
	add(t.CWR, "CWR")
	add(t.NS, "NS")
	return strings.Join(f, ",")
}

func (s *dissection) icmp() error {
	if l, ok := s.pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		s.dp.ICMP = &ICMPInfo{
			Version:  4,
			Type:     l.TypeCode.Type(),
			Code:     l.TypeCode.Code(),
			TypeName: l.TypeCode.String(),
		}
		return nil
	}
	if l, ok := s.pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		s.dp.ICMP = &ICMPInfo{
			Version:  6,
			Type:     l.TypeCode.Type(),
			Code:     l.TypeCode.Code(),
			TypeName: l.TypeCode.String(),
		}
	}
	return nil
}

// igmp: gopacket devuelve *IGMP para v3 y *IGMPv1or2 para el resto.
func (s *dissection) igmp() error {
	switch l := s.pkt.Layer(layers.LayerTypeIGMP).(type) {
	case *layers.IGMPv1or2:
		info := &IGMPInfo{Version: int(l.Version), Type: l.Type.String()}
		if isGroupAddr(l.GroupAddress) {
			info.Groups = []string{l.GroupAddress.String()}
		}
		s.igmpReport = l.Type == layers.IGMPMembershipReportV1 || l.Type == layers.IGMPMembershipReportV2
		s.dp.IGMP = info
	case *layers.IGMP:
		info := &IGMPInfo{Version: int(l.Version), Type: l.Type.String()}
		if l.Type == layers.IGMPMembershipReportV3 {
			for _, rec := range l.GroupRecords {
				if isGroupAddr(rec.MulticastAddress) {
					info.Groups = append(info.Groups, rec.MulticastAddress.String())
				}
			}
			s.igmpReport = true
		} else if isGroupAddr(l.GroupAddress) {
			info.Groups = []string{l.GroupAddress.String()}
		}
		s.dp.IGMP = info
	}
	return nil
}

func isGroupAddr(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified()
}

// ----------------------------------------------------------------------------
// Aplicación
// ----------------------------------------------------------------------------

// dns usa la capa de gopacket si existe. DNS sobre TCP (prefijo de longitud)
// y mDNS/LLMNR, que gopacket no mapea por puerto, se decodifican con miekg/dns.
func (s *dissection) dns() error {
	sport, dport := s.dp.Ports()

	if s.dp.TCP != nil && (sport == portDNS || dport == portDNS) {
		if len(s.dp.Payload) == 0 {
			return nil
		}
		return s.dnsTCP()
	}
	if l, ok := s.pkt.Layer(layers.LayerTypeDNS).(*layers.DNS); ok {
		s.dp.DNS = dnsFromLayer(l)
		return nil
	}
	if s.dp.UDP != nil && len(s.dp.Payload) > 0 && isPort(sport, dport, portMDNS, portLLMNR) {
		return s.dnsMiekg(s.dp.Payload)
	}
	return nil
}

func (s *dissection) dnsTCP() error {
	p := s.dp.Payload
	if len(p) < 2+dnsHeaderSize {
		return werrors.Errorf(werrors.KindMalformed, "DNS over TCP too short: %d bytes", len(p))
	}
	// Segmentos parciales: solo se decodifica un mensaje completo
	n := int(binary.BigEndian.Uint16(p[0:2]))
	if n > len(p)-2 {
		return nil
	}
	return s.dnsMiekg(p[2 : 2+n])
}

func (s *dissection) dnsMiekg(b []byte) error {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return werrors.Wrap(err, werrors.KindMalformed, "DNS message unpack failed")
	}
	info := &DNSInfo{ID: m.Id, IsResponse: m.Response, Decoder: decoderMiekg}
	for _, q := range m.Question {
		info.Queries = append(info.Queries, DNSQuery{
			Name: strings.TrimSuffix(q.Name, "."),
			Type: dns.TypeToString[q.Qtype],
		})
	}
	for _, rr := range m.Answer {
		h := rr.Header()
		info.Answers = append(info.Answers, DNSAnswer{
			Name: strings.TrimSuffix(h.Name, "."),
			Type: dns.TypeToString[h.Rrtype],
			Data: rrData(rr),
		})
	}
	s.dp.DNS = info
	return nil
}

func rrData(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.CNAME:
		return strings.TrimSuffix(v.Target, ".")
	case *dns.PTR:
		return strings.TrimSuffix(v.Ptr, ".")
	case *dns.TXT:
		return strings.Join(v.Txt, " ")
	}
	return strings.TrimSpace(strings.TrimPrefix(rr.String(), rr.Header().String()))
}

func dnsFromLayer(l *layers.DNS) *DNSInfo {
	info := &DNSInfo{ID: l.ID, IsResponse: l.QR, Decoder: decoderGopacket}
	for _, q := range l.Questions {
		info.Queries = append(info.Queries, DNSQuery{Name: string(q.Name), Type: q.Type.String()})
	}
	for _, a := range l.Answers {
		ans := DNSAnswer{Name: string(a.Name), Type: a.Type.String()}
		switch {
		case a.IP != nil:
			ans.Data = a.IP.String()
		case len(a.CNAME) > 0:
			ans.Data = string(a.CNAME)
		case len(a.PTR) > 0:
			ans.Data = string(a.PTR)
		}
		info.Answers = append(info.Answers, ans)
	}
	return info
}

func (s *dissection) dhcp() error {
	sport, dport := s.dp.Ports()
	if s.dp.UDP == nil || !isPort(sport, dport, portDHCPSrv, portDHCPCli) || len(s.dp.Payload) == 0 {
		return nil
	}
	msg, err := dhcpv4.FromBytes(s.dp.Payload)
	if err != nil {
		return werrors.Wrap(err, werrors.KindMalformed, "DHCPv4 parse failed")
	}
	info := &DHCPInfo{
		MessageType: msg.MessageType().String(),
		ClientMAC:   msg.ClientHWAddr.String(),
		HostName:    msg.HostName(),
		VendorClass: msg.ClassIdentifier(),
	}
	if ip := msg.RequestedIPAddress(); ip != nil && !ip.IsUnspecified() {
		info.RequestedIP = ip.String()
	}
	if ip := msg.YourIPAddr; ip != nil && !ip.IsUnspecified() {
		info.YourIP = ip.String()
	}
	for _, c := range msg.ParameterRequestList() {
		info.ParameterRequest = append(info.ParameterRequest, c.Code())
	}
	s.dp.DHCP = info
	return nil
}

func (s *dissection) l7() error {
	if s.dp.Transport == "" {
		return nil
	}
	sport, dport := s.dp.Ports()
	m := ClassifyL7(sport, dport, s.dp.Payload)
	s.dp.L7Protocol = m.Protocol
	s.dp.L7Confidence = m.Confidence
	s.dp.L7Method = m.Method

	method := m.Method
	if method == "" {
		method = "none"
	}
	telemetry.L7Classifications.WithLabelValues(m.Protocol, method).Inc()
	return nil
}

func isPort(sport, dport uint16, ports ...uint16) bool {
	for _, p := range ports {
		if sport == p || dport == p {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Topología
// ----------------------------------------------------------------------------

// record vuelca en el tracker lo aprendido del paquete.
func (d *Dissector) record(s *dissection) error {
	dp := s.dp
	if dp.Ethernet != nil {
		if dp.VLAN != nil {
			d.tracker.AddVLANMember(dp.VLAN.ID, dp.Ethernet.SrcMAC)
		} else {
			d.tracker.ObserveDevice(dp.Ethernet.SrcMAC)
		}
	}
	if dp.LLDP != nil {
		d.tracker.UpsertLLDP(*dp.LLDP)
	}
	if dp.CDP != nil {
		d.tracker.UpsertCDP(*dp.CDP)
	}
	// Las TCN no traen BridgeID y el tracker las ignora
	if dp.STP != nil && dp.STP.BridgeID != "" {
		d.tracker.RecordSTP(*dp.STP)
	}

	if dp.IP == nil {
		return nil
	}
	if dp.MulticastGroup != "" && dp.IGMP == nil {
		proto := ""
		if dp.L7Protocol != L7Unknown {
			proto = dp.L7Protocol
		}
		d.tracker.RecordMulticast(dp.MulticastGroup, dp.IP.SrcIP, proto, dp.Timestamp)
	}
	if dp.IGMP != nil && s.igmpReport {
		for _, g := range dp.IGMP.Groups {
			d.tracker.RecordMulticast(g, dp.IP.SrcIP, "IGMP", dp.Timestamp)
		}
	}
	return nil
}

// String resume el paquete para logs de depuración.
func (dp *DissectedPacket) String() string {
	return fmt.Sprintf("%s len=%d l7=%s(%.2f)", strings.Join(dp.Protocols, "/"), dp.Length, dp.L7Protocol, dp.L7Confidence)
}

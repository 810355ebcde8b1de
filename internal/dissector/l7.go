package dissector

import (
	"bytes"
)

// L7Match es una clasificación de aplicación con su confianza (0..1).
type L7Match struct {
	Protocol   string
	Confidence float64
	Method     string
}

type portEntry struct {
	name       string
	confidence float64
}

// Tabla curada de puertos bien conocidos. No pretende ser exhaustiva.
var wellKnownPorts = map[uint16]portEntry{
	20:    {"FTP-Data", 0.8},
	21:    {"FTP", 0.9},
	22:    {"SSH", 0.95},
	23:    {"Telnet", 0.9},
	25:    {"SMTP", 0.9},
	53:    {"DNS", 0.95},
	67:    {"DHCP", 0.95},
	68:    {"DHCP", 0.95},
	69:    {"TFTP", 0.85},
	80:    {"HTTP", 0.9},
	102:   {"S7comm", 0.9},
	110:   {"POP3", 0.9},
	123:   {"NTP", 0.95},
	137:   {"NetBIOS-NS", 0.9},
	138:   {"NetBIOS-DGM", 0.9},
	139:   {"NetBIOS-SSN", 0.85},
	143:   {"IMAP", 0.9},
	161:   {"SNMP", 0.95},
	162:   {"SNMP-Trap", 0.95},
	389:   {"LDAP", 0.9},
	443:   {"HTTPS", 0.9},
	445:   {"SMB", 0.9},
	502:   {"Modbus", 0.95},
	514:   {"Syslog", 0.9},
	554:   {"RTSP", 0.85},
	1883:  {"MQTT", 0.9},
	1900:  {"SSDP", 0.95},
	2404:  {"IEC-104", 0.9},
	3306:  {"MySQL", 0.85},
	3389:  {"RDP", 0.9},
	4840:  {"OPC-UA", 0.9},
	5060:  {"SIP", 0.85},
	5353:  {"mDNS", 0.95},
	5355:  {"LLMNR", 0.95},
	5432:  {"PostgreSQL", 0.85},
	6379:  {"Redis", 0.8},
	8080:  {"HTTP-Alt", 0.7},
	8883:  {"MQTT-TLS", 0.85},
	20000: {"DNP3", 0.9},
	44818: {"EtherNet/IP", 0.9},
	47808: {"BACnet", 0.9},
}

var (
	httpPrefixes = [][]byte{
		[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
		[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("HTTP/"),
	}
	rtspPrefixes = [][]byte{[]byte("RTSP/"), []byte("DESCRIBE "), []byte("SETUP rtsp://"), []byte("PLAY rtsp://"), []byte("OPTIONS rtsp://")}
	sipPrefixes  = [][]byte{[]byte("SIP/2.0 "), []byte("INVITE sip:"), []byte("REGISTER sip:"), []byte("BYE sip:"), []byte("ACK sip:")}
)

func hasAnyPrefix(payload []byte, prefixes [][]byte) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(payload, p) {
			return true
		}
	}
	return false
}

// ClassifyL7 aplica la tabla de puertos (destino y luego origen) y, si no hay
// coincidencia, firmas de payload.
func ClassifyL7(sport, dport uint16, payload []byte) L7Match {
	if e, ok := wellKnownPorts[dport]; ok {
		return L7Match{Protocol: e.name, Confidence: e.confidence, Method: MethodPort}
	}
	if e, ok := wellKnownPorts[sport]; ok {
		return L7Match{Protocol: e.name, Confidence: e.confidence, Method: MethodPort}
	}
	if m, ok := matchSignature(dport, payload); ok {
		return m
	}
	return L7Match{Protocol: L7Unknown}
}

func matchSignature(dport uint16, payload []byte) (L7Match, bool) {
	sig := func(name string, c float64) (L7Match, bool) {
		return L7Match{Protocol: name, Confidence: c, Method: MethodSignature}, true
	}
	switch {
	case len(payload) == 0:
		return L7Match{}, false
	case bytes.HasPrefix(payload, []byte("SSH-")):
		return sig("SSH", 0.99)
	// RTSP antes que HTTP: ambos usan OPTIONS
	case hasAnyPrefix(payload, rtspPrefixes):
		return sig("RTSP", 0.9)
	case hasAnyPrefix(payload, httpPrefixes):
		return sig("HTTP", 0.95)
	case hasAnyPrefix(payload, sipPrefixes):
		return sig("SIP", 0.9)
	case len(payload) >= 3 && payload[0] == 0x16 && payload[1] == 0x03 && (payload[2] == 0x01 || payload[2] == 0x03):
		return sig("TLS", 0.9)
	case len(payload) >= 8 && payload[0] == 0x10 && bytes.Equal(payload[4:8], []byte("MQTT")):
		return sig("MQTT", 0.9)
	case len(payload) >= 8 && dport == 502:
		return sig("Modbus", 0.95)
	}
	return L7Match{}, false
}

package utils

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertIfCapacityRemains(t *testing.T) {
	m := make(map[string]int)
	for i, k := range []string{"a", "b", "c"} {
		v, created, ok := InsertIfCapacityRemains(m, k, 3, func() int { return i })
		assert.True(t, ok)
		assert.True(t, created)
		assert.Equal(t, i, v)
	}

	// Llena: la clave nueva se descarta
	_, created, ok := InsertIfCapacityRemains(m, "d", 3, func() int { return 99 })
	assert.False(t, ok)
	assert.False(t, created)
	assert.Len(t, m, 3)

	// Las existentes siguen accesibles
	v, created, ok := InsertIfCapacityRemains(m, "b", 3, func() int { return 99 })
	assert.True(t, ok)
	assert.False(t, created)
	assert.Equal(t, 1, v)
}

func TestIsMulticastIPv4(t *testing.T) {
	for first := 0; first < 256; first++ {
		ip := net.IPv4(byte(first), 1, 2, 3)
		assert.Equal(t, first >= 224 && first <= 239, IsMulticastIPv4(ip), "first octet %d", first)
	}
	assert.False(t, IsMulticastIPv4(net.ParseIP("ff02::1")))
	assert.False(t, IsMulticastAddr("not-an-ip"))
	assert.True(t, IsMulticastAddr("239.255.255.250"))
}

func TestClassifyMACAndGroup(t *testing.T) {
	lldp, _ := net.ParseMAC("01:80:c2:00:00:0e")
	assert.Equal(t, "LLDP", ClassifyMAC(lldp).Name)

	mcast, _ := net.ParseMAC("01:00:5e:7f:ff:fa")
	assert.Equal(t, "IPv4 Multicast", ClassifyMAC(mcast).Name)

	host, _ := net.ParseMAC("00:11:22:33:44:55")
	assert.Equal(t, "Unicast", ClassifyMAC(host).Name)

	info, ok := ClassifyGroup("224.0.0.251")
	assert.True(t, ok)
	assert.Equal(t, "mDNS", info.Name)

	_, ok = ClassifyGroup("239.1.2.3")
	assert.False(t, ok)
}

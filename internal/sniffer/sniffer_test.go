package sniffer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"github.com/soyunomas/topowarden/internal/engine"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func frame(dst net.HardwareAddr) []byte {
	f := make([]byte, 60)
	copy(f[0:6], dst)
	copy(f[6:12], net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	f[12], f[13] = 0x08, 0x00
	return f
}

// =============================================================================
//  TEST 1: FILTRO BPF
// =============================================================================

func TestMulticastFilter(t *testing.T) {
	raw, err := MulticastFilter(9216)
	require.NoError(t, err)

	insns, ok := bpf.Disassemble(raw)
	require.True(t, ok)
	vm, err := bpf.NewVM(insns)
	require.NoError(t, err)

	cases := []struct {
		name string
		dst  net.HardwareAddr
		keep bool
	}{
		{"broadcast", net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, true},
		{"lldp", net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}, true},
		{"ipv4 multicast", net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}, true},
		{"unicast", net.HardwareAddr{0x00, 0x1d, 0x9c, 0x00, 0x00, 0x01}, false},
	}
	for _, c := range cases {
		n, err := vm.Run(frame(c.dst))
		require.NoError(t, err)
		if c.keep {
			assert.Positive(t, n, c.name)
		} else {
			assert.Zero(t, n, c.name)
		}
	}
}

// =============================================================================
//  TEST 2: BUCLE DE LECTURA
// =============================================================================

type scriptedReader struct {
	frames [][]byte
	errs   []error
}

func (r *scriptedReader) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return 0, nil, err
		}
	}
	if len(r.frames) == 0 {
		return 0, nil, net.ErrClosed
	}
	n := copy(b, r.frames[0])
	r.frames = r.frames[1:]
	return n, nil, nil
}

type recorder struct {
	mu   sync.Mutex
	pkts []gopacket.Packet
}

func (r *recorder) Process(pkt gopacket.Packet) engine.Result {
	r.mu.Lock()
	r.pkts = append(r.pkts, pkt)
	r.mu.Unlock()
	return engine.Result{}
}

func TestReadLoop_CopiesFramesAndStopsOnClose(t *testing.T) {
	a := frame(net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01})
	b := frame(net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	r := &scriptedReader{
		frames: [][]byte{a, b},
		// Un error transitorio no detiene el bucle
		errs: []error{nil, errors.New("temporary failure")},
	}
	rec := &recorder{}

	readLoop(context.Background(), r, 128, 7, rec, quietLog)

	require.Len(t, rec.pkts, 2)
	// El buffer se reutiliza: cada paquete debe conservar sus propios bytes
	assert.Equal(t, a, rec.pkts[0].Data())
	assert.Equal(t, b, rec.pkts[1].Data())
	assert.Equal(t, 7, rec.pkts[0].Metadata().InterfaceIndex)
	assert.Equal(t, 60, rec.pkts[1].Metadata().Length)
	assert.False(t, rec.pkts[0].Metadata().Timestamp.IsZero())
}

func TestReadLoop_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &scriptedReader{errs: []error{errors.New("socket shut down")}}
	rec := &recorder{}

	readLoop(ctx, r, 128, 1, rec, quietLog)
	assert.Empty(t, rec.pkts)
}

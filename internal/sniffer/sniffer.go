package sniffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"

	"github.com/soyunomas/topowarden/internal/config"
	"github.com/soyunomas/topowarden/internal/engine"
	"github.com/soyunomas/topowarden/internal/logging"
	"github.com/soyunomas/topowarden/internal/telemetry"
)

const dropCheckInterval = 5 * time.Second

// Processor consume cada trama decodificada (*engine.Engine).
type Processor interface {
	Process(pkt gopacket.Packet) engine.Result
}

// frameReader es la parte de *packet.Conn que usa el bucle de lectura.
type frameReader interface {
	ReadFrom(b []byte) (int, net.Addr, error)
}

// Run abre un socket RAW (AF_PACKET) en iface y entrega cada trama al
// procesador hasta que ctx se cancela.
func Run(ctx context.Context, iface string, cfg *config.Config, proc Processor) error {
	log := logging.Component("sniffer").With("iface", iface)

	// 1. Interfaz física
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("interface %s not found: %w", iface, err)
	}

	// 2. Socket Raw
	conn, err := packet.Listen(ifi, packet.Raw, 3, nil)
	if err != nil {
		return fmt.Errorf("failed to open raw socket: %w", err)
	}
	defer conn.Close()

	// 3. Promiscuo: necesario para ver unicast ajeno (flujos, VLANs)
	if cfg.Network.Promiscuous {
		if err := conn.SetPromiscuous(true); err != nil {
			log.Warn("Failed to set promiscuous mode", "error", err)
		}
	}

	// 4. BPF opcional: solo broadcast/multicast al user-space
	mode := "all frames"
	if cfg.Network.MulticastOnly {
		filter, err := MulticastFilter(cfg.Network.SnapLen)
		if err != nil {
			return fmt.Errorf("BPF assembly failed: %w", err)
		}
		if err := conn.SetBPF(filter); err != nil {
			return fmt.Errorf("failed to apply BPF filter: %w", err)
		}
		mode = "multicast/broadcast only"
	}

	log.Info("Sniffer active", "mode", mode, "snaplen", cfg.Network.SnapLen)

	// 5. Monitor de drops del kernel, fuera del hot-loop
	go monitorDrops(ctx, conn, log)

	// 6. Cerrar el socket desbloquea ReadFrom
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	readLoop(ctx, conn, cfg.Network.SnapLen, ifi.Index, proc, log)
	return nil
}

// MulticastFilter ensambla el programa BPF que deja pasar solo tramas con el
// bit I/G de la MAC destino activo.
func MulticastFilter(snaplen int) ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 1},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0, SkipTrue: 1},
		bpf.RetConstant{Val: uint32(snaplen)}, // Keep
		bpf.RetConstant{Val: 0},               // Drop
	})
}

func monitorDrops(ctx context.Context, conn *packet.Conn, log *slog.Logger) {
	ticker := time.NewTicker(dropCheckInterval)
	defer ticker.Stop()
	// packet.Stats.Drops es uint32
	var lastDrops uint32

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := conn.Stats()
			if err != nil || stats.Drops <= lastDrops {
				continue
			}
			delta := stats.Drops - lastDrops
			telemetry.SocketDrops.Add(float64(delta))
			if delta > 100 {
				log.Warn("Kernel drops detected (buffer full)", "lost", delta)
			}
			lastDrops = stats.Drops
		}
	}
}

// readLoop: el buffer se reutiliza, así que cada trama se copia antes de
// decodificarla (el tracker y la caché de muestras retienen slices).
func readLoop(ctx context.Context, r frameReader, snaplen, ifIndex int, proc Processor, log *slog.Logger) {
	buf := make([]byte, snaplen)
	for {
		n, _, err := r.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				return
			}
			log.Warn("Error reading packet", "error", err)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true})
		md := pkt.Metadata()
		md.Timestamp = time.Now()
		md.CaptureLength = n
		md.Length = n
		md.InterfaceIndex = ifIndex

		proc.Process(pkt)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "closed")
}

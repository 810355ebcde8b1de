package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"sync"
	"time"

	"github.com/soyunomas/topowarden/internal/config"
	"github.com/soyunomas/topowarden/internal/logging"
	"github.com/soyunomas/topowarden/internal/topology"
)

const alertBufferSize = 100
const (
	GlobalAlertLimit = 20
	MuteDuration     = 60 * time.Second
)

type Notifier struct {
	cfg       *config.AlertsConfig
	sensor    string
	alertChan chan string
	client    *http.Client
	log       *slog.Logger
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	alertCount    int
	windowStart   time.Time
	isMuted       bool
	mutedUntil    time.Time
	droppedAlerts int
	now           func() time.Time
}

func NewNotifier(cfg *config.AlertsConfig, sensorName string) *Notifier {
	if sensorName == "" {
		sensorName = "TopoWarden"
	}
	n := &Notifier{
		cfg:       cfg,
		sensor:    sensorName,
		alertChan: make(chan string, alertBufferSize),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		log:         logging.Component("notifier"),
		done:        make(chan struct{}),
		windowStart: time.Now(),
		now:         time.Now,
	}
	go n.worker()
	return n
}

// Close vacía la cola pendiente y detiene el worker.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.alertChan)
		<-n.done
	})
}

// AlertEvent traduce un cambio de topología en una alerta legible.
func (n *Notifier) AlertEvent(ev topology.Event) {
	n.Alert(FormatEvent(ev))
}

func FormatEvent(ev topology.Event) string {
	switch ev.Kind {
	case topology.EventNewLLDPNeighbor:
		return fmt.Sprintf("🔗 [Topology] New LLDP neighbour %s (%s)", ev.Key, ev.Detail)
	case topology.EventNewCDPNeighbor:
		return fmt.Sprintf("🔗 [Topology] New CDP neighbour %s (%s)", ev.Key, ev.Detail)
	case topology.EventRootBridgeChanged:
		if ev.Detail == "" {
			return fmt.Sprintf("🌳 [STP] Root bridge elected: %s", ev.Key)
		}
		return fmt.Sprintf("🌳 [STP] Root bridge changed: %s -> %s", ev.Detail, ev.Key)
	case topology.EventNewVLAN:
		return fmt.Sprintf("🏷️ [VLAN] New VLAN observed: %s", ev.Key)
	case topology.EventNewMulticastGroup:
		if ev.Detail == "" {
			return fmt.Sprintf("📡 [Multicast] New group %s", ev.Key)
		}
		return fmt.Sprintf("📡 [Multicast] New group %s (%s)", ev.Key, ev.Detail)
	}
	return fmt.Sprintf("[Topology] %s %s %s", ev.Kind, ev.Key, ev.Detail)
}

func (n *Notifier) Alert(msg string) {
	n.mu.Lock()
	now := n.now()

	if n.isMuted {
		if now.Before(n.mutedUntil) {
			n.droppedAlerts++
			n.mu.Unlock()
			return
		}
		n.isMuted = false
		summary := fmt.Sprintf("⚠️ [System] Resuming alerts. Dropped %d messages.", n.droppedAlerts)
		n.droppedAlerts = 0
		n.windowStart = now
		n.alertCount = 1
		n.mu.Unlock()

		n.dispatch(summary)
		n.dispatch(msg)
		return
	}

	if now.Sub(n.windowStart) > time.Minute {
		n.windowStart = now
		n.alertCount = 0
	}

	n.alertCount++

	if n.alertCount > GlobalAlertLimit {
		n.isMuted = true
		n.mutedUntil = now.Add(MuteDuration)
		warning := fmt.Sprintf("⛔ [System] FLOOD PROTECTION. Silencing for %s...", MuteDuration)
		n.mu.Unlock()
		n.dispatch(warning)
		return
	}
	n.mu.Unlock()

	n.dispatch(msg)
}

func (n *Notifier) dispatch(msg string) {
	n.log.Warn("Alert", "sensor", n.sensor, "message", msg)
	defer func() {
		// Alert tras Close: el canal está cerrado y el mensaje se pierde
		_ = recover()
	}()
	select {
	case n.alertChan <- msg:
	default:
	}
}

func (n *Notifier) worker() {
	defer close(n.done)
	for msg := range n.alertChan {

		// 1. Webhook
		if n.cfg.Webhook.Enabled {
			n.sendWebhook(msg)
		}

		// 2. Syslog
		if n.cfg.SyslogServer != "" {
			n.sendSyslog(msg)
		}

		// 3. Email
		if n.cfg.Smtp.Enabled {
			n.sendEmail(msg)
		}

		// 4. Telegram
		if n.cfg.Telegram.Enabled {
			n.sendTelegram(msg)
		}
	}
}

func (n *Notifier) sendWebhook(msg string) {
	payload := map[string]string{"text": msg, "sensor": n.sensor}
	jsonBody, _ := json.Marshal(payload)

	resp, err := n.client.Post(n.cfg.Webhook.URL, "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		n.log.Warn("Webhook failed", "error", err)
		return
	}
	resp.Body.Close()
}

func (n *Notifier) sendTelegram(msg string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.Telegram.Token)

	payload := map[string]string{
		"chat_id": n.cfg.Telegram.ChatID,
		"text":    fmt.Sprintf("[%s] %s", n.sensor, msg),
	}

	jsonBody, _ := json.Marshal(payload)

	resp, err := n.client.Post(url, "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		n.log.Warn("Telegram failed", "error", err)
		return
	}
	resp.Body.Close()
}

func (n *Notifier) sendSyslog(msg string) {
	conn, err := net.DialTimeout("udp", n.cfg.SyslogServer, 2*time.Second)
	if err != nil {
		n.log.Warn("Syslog failed", "error", err)
		return
	}
	defer conn.Close()
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(conn, "<132>%s %s: %s", timestamp, n.sensor, msg)
}

func (n *Notifier) sendEmail(msg string) {
	auth := smtp.PlainAuth("", n.cfg.Smtp.User, n.cfg.Smtp.Pass, n.cfg.Smtp.Host)
	addr := fmt.Sprintf("%s:%d", n.cfg.Smtp.Host, n.cfg.Smtp.Port)
	subject := fmt.Sprintf("Subject: [%s] Topology Change\n", n.sensor)
	mime := "MIME-version: 1.0;\nContent-Type: text/plain; charset=\"UTF-8\";\n\n"
	body := []byte(subject + mime + msg)

	err := smtp.SendMail(addr, auth, n.cfg.Smtp.From, []string{n.cfg.Smtp.To}, body)
	if err != nil {
		n.log.Warn("SMTP failed", "error", err)
	}
}

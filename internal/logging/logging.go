package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/soyunomas/topowarden/internal/config"
)

// Init instala el logger global según [system] y devuelve el fichero abierto
// (o nil) para que el llamador lo cierre.
func Init(cfg *config.SystemConfig) (*os.File, error) {
	var (
		out  io.Writer = os.Stdout
		file *os.File
	)

	switch cfg.LogFile {
	case "":
	case "/dev/null":
		out = io.Discard
	default:
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log %s: %w", cfg.LogFile, err)
		}
		file = f
		out = io.MultiWriter(os.Stdout, f)
	}

	slog.SetDefault(slog.New(NewHandler(out, cfg.LogFormat, ParseLevel(cfg.LogLevel))))
	return file, nil
}

// NewHandler construye el handler JSON o texto.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component devuelve un logger hijo con el atributo component.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Package logging builds the service's structured JSON logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Field keys shared by every component.
const (
	KeyOrderID       = "order_id"
	KeyFulfillmentID = "fulfillment_id"
	KeyVendorID      = "vendor_id"
	KeyStatus        = "status"
	KeyStep          = "step"
	KeyEventID       = "event_id"
)

func New(service, level string) *slog.Logger {
	return NewWithWriter(os.Stdout, service, level)
}

func NewWithWriter(w io.Writer, service, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With("service", service)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard is a logger for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

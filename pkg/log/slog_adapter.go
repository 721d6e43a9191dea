package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes pool events to an slog.Logger.
// Useful for development when you want to see allocation/recovery
// activity in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("category", event.Category.String()),
	}

	if event.Serial != "" {
		attrs = append(attrs, slog.String("serial", event.Serial))
	}
	if event.Kind != "" {
		attrs = append(attrs, slog.String("kind", event.Kind))
	}

	switch {
	case event.Allocation != nil:
		attrs = append(attrs,
			slog.String("event", event.Allocation.Event),
			slog.String("old_state", event.Allocation.OldState),
			slog.String("new_state", event.Allocation.NewState),
			slog.Bool("changed", event.Allocation.Changed),
		)
		if event.Allocation.LeaseID != "" {
			attrs = append(attrs, slog.String("lease_id", event.Allocation.LeaseID))
		}
	case event.Connection != nil:
		attrs = append(attrs, slog.String("which", event.Connection.Which))
		if event.Connection.State != "" {
			attrs = append(attrs, slog.String("state", event.Connection.State))
		}
	case event.Recovery != nil:
		attrs = append(attrs,
			slog.String("stage", event.Recovery.Stage),
			slog.String("outcome", event.Recovery.Outcome),
		)
		if event.Recovery.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.Recovery.Reason))
		}
	case event.Background != nil:
		attrs = append(attrs, slog.String("which", event.Background.Which))
		if event.Background.Command != "" {
			attrs = append(attrs, slog.String("command", event.Background.Command))
		}
	case event.Error != nil:
		attrs = append(attrs, slog.String("error", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "devicepool", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)

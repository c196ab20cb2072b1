package events

import "github.com/rs/zerolog"

// Manager emits events to the Bus and logs each one, the way
// aristath-sentinel's events.Manager pairs Bus.Emit with a structured log
// line so operators can reconstruct control-plane history from logs alone.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates an event manager bound to a Bus.
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{bus: bus, log: log.With().Str("component", "events").Logger()}
}

// Emit publishes to the bus and logs at info level.
func (m *Manager) Emit(t EventType, module string, data map[string]any) {
	m.bus.Emit(t, module, data)
	ev := m.log.Info().Str("event_type", string(t)).Str("module", module)
	for k, v := range data {
		ev = ev.Interface(k, v)
	}
	ev.Msg("event emitted")
}

package ws

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/noteduco342/whispr-backend/internal/apperr"
)

// HandlerFunc handles one client command.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) error

// Dispatcher routes commands by their envelope type. The table is fixed at
// construction.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher(routes map[string]HandlerFunc) *Dispatcher {
	handlers := make(map[string]HandlerFunc, len(routes))
	for name, h := range routes {
		handlers[name] = h
	}
	return &Dispatcher{handlers: handlers}
}

func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, env *Envelope) error {
	h, ok := d.handlers[env.Type]
	if !ok {
		return apperr.Validation("ws.Dispatch", "unknown message type: "+env.Type)
	}
	return h(ctx, s, env.Payload)
}

// Types lists the registered command names, sorted.
func (d *Dispatcher) Types() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

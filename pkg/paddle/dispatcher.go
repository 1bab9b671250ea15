package paddle

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Outcome describes what the dispatcher did with an event.
type Outcome string

const (
	// OutcomeHandled means a handler ran and returned without error.
	OutcomeHandled Outcome = "handled"
	// OutcomeIgnored means no handler is registered for the event type.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeSkipped means the event failed validation and was not applied.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the handler returned an error.
	OutcomeFailed Outcome = "failed"
)

type route func(ctx context.Context, ev *Event) error

// Dispatcher routes events to handlers by event type. Routes are registered
// once at startup; Dispatch is safe for concurrent use afterwards.
type Dispatcher struct {
	routes map[EventType]route
	logger zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		routes: make(map[EventType]route),
		logger: logger.With().Str("component", "paddle_dispatcher").Logger(),
	}
}

// On registers handle for eventType. validate turns the raw event into the
// typed request handle expects; a validation error skips the event.
func On[T any](d *Dispatcher, eventType EventType, validate func(*Event) (T, error), handle func(context.Context, T) error) {
	d.routes[eventType] = func(ctx context.Context, ev *Event) error {
		req, err := validate(ev)
		if err != nil {
			return err
		}
		return handle(ctx, req)
	}
}

// Handles reports whether a route exists for eventType.
func (d *Dispatcher) Handles(eventType EventType) bool {
	_, ok := d.routes[eventType]
	return ok
}

// EventTypes lists the registered event types in sorted order.
func (d *Dispatcher) EventTypes() []EventType {
	out := make([]EventType, 0, len(d.routes))
	for t := range d.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the route for ev. Unknown event types and events that fail
// validation are logged and reported without an error so the delivery is
// acknowledged. Only handler failures are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (Outcome, error) {
	logger := d.logger.With().
		Str("event_type", string(ev.EventType)).
		Str("event_id", ev.EventID).
		Logger()

	r, ok := d.routes[ev.EventType]
	if !ok {
		logger.Info().Msg("Paddle event ignored (unhandled type)")
		return OutcomeIgnored, nil
	}

	if err := r(ctx, ev); err != nil {
		if IsValidation(err) {
			logger.Warn().Err(err).Msg("Paddle event skipped")
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, fmt.Errorf("handle %s: %w", ev.EventType, err)
	}

	logger.Debug().Msg("Paddle event handled")
	return OutcomeHandled, nil
}

package dispatch

import (
	"context"
	"time"

	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metrics"
)

// CallbackInfo describes one callback execution to hooks.
type CallbackInfo struct {
	// Channel is the channel number of the queue.
	Channel uint16
	// Consumer is the consumer label, see ConsumerName.
	Consumer string
	// Callback is the callback name, e.g. HandleBasicDeliver.
	Callback string
	Kind     Kind
	// Context is the context passed to the callback.
	Context context.Context
	// EnqueuedAt is when the event entered the queue.
	EnqueuedAt time.Time
	// StartedAt is when the callback was invoked.
	StartedAt time.Time
	// Duration is only set in OnCallbackDone and OnCallbackError.
	Duration time.Duration
}

// Hooks observe the callback lifecycle. All hooks are optional and run on the
// dispatch goroutine.
type Hooks struct {
	// OnCallbackStart runs before the consumer is invoked.
	OnCallbackStart func(info CallbackInfo)

	// OnCallbackDone runs after the consumer returned without error.
	OnCallbackDone func(info CallbackInfo)

	// OnCallbackError runs after the consumer failed or panicked, before the
	// failure is reported to the sink.
	OnCallbackError func(info CallbackInfo, err error)
}

// Merge combines two Hooks; the hooks from other run after those of h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnCallbackStart: chainInfoHooks(h.OnCallbackStart, other.OnCallbackStart),
		OnCallbackDone:  chainInfoHooks(h.OnCallbackDone, other.OnCallbackDone),
		OnCallbackError: chainErrorHooks(h.OnCallbackError, other.OnCallbackError),
	}
}

func chainInfoHooks(a, b func(CallbackInfo)) func(CallbackInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info CallbackInfo) {
		a(info)
		b(info)
	}
}

func chainErrorHooks(a, b func(CallbackInfo, error)) func(CallbackInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info CallbackInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

func (h Hooks) start(info CallbackInfo) {
	if h.OnCallbackStart != nil {
		h.OnCallbackStart(info)
	}
}

func (h Hooks) done(info CallbackInfo, err error) {
	if err != nil {
		if h.OnCallbackError != nil {
			h.OnCallbackError(info, err)
		}
		return
	}
	if h.OnCallbackDone != nil {
		h.OnCallbackDone(info)
	}
}

// LoggingHooks logs the callback lifecycle. Starts and completions are
// traced; failures are logged at error level.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	log = logging.OrNop(log)
	return Hooks{
		OnCallbackStart: func(info CallbackInfo) {
			log.Trace("Callback started", logging.LogFields{
				"channel":   info.Channel,
				"consumer":  info.Consumer,
				"callback":  info.Callback,
				"queued_ms": info.StartedAt.Sub(info.EnqueuedAt).Milliseconds(),
			})
		},
		OnCallbackDone: func(info CallbackInfo) {
			log.Trace("Callback completed", logging.LogFields{
				"channel":     info.Channel,
				"consumer":    info.Consumer,
				"callback":    info.Callback,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnCallbackError: func(info CallbackInfo, err error) {
			log.Error("Callback failed", err, logging.LogFields{
				"channel":     info.Channel,
				"consumer":    info.Consumer,
				"callback":    info.Callback,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks records callback counts, failures and durations.
func MetricsHooks(m *metrics.Metrics) Hooks {
	if m == nil {
		return Hooks{}
	}
	return Hooks{
		OnCallbackDone: func(info CallbackInfo) {
			m.CallbackDone(info.Callback, info.Duration, nil)
		},
		OnCallbackError: func(info CallbackInfo, err error) {
			m.CallbackDone(info.Callback, info.Duration, err)
		},
	}
}

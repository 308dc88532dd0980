package bridge

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/amqpcore/internal/runtime/ids"
	"github.com/drblury/amqpcore/internal/runtime/logging"
	"github.com/drblury/amqpcore/internal/runtime/metadata"
)

// CorrelationIDKey is the metadata key CorrelationID fills in.
const CorrelationIDKey = "correlation_id"

// RetryConfig customises Retry. Zero values take the defaults.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Logger logging.ServiceLogger
	Retry  RetryConfig

	// Registerer enables Watermill's router metrics when set.
	Registerer prometheus.Registerer
	Namespace  string

	// Middlewares run innermost, after the default chain.
	Middlewares []message.HandlerMiddleware
}

// NewRouter builds a Watermill router for handling bridged messages. The
// chain, outermost first: recoverer, correlation id, tracing, message
// logging, metrics, retry, then cfg.Middlewares.
func NewRouter(cfg RouterConfig) (*message.Router, error) {
	logger := logging.OrNop(cfg.Logger)
	router, err := message.NewRouter(message.RouterConfig{}, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(
		middleware.Recoverer,
		CorrelationID,
		Tracer(nil),
		LogMessages(logger),
	)
	if cfg.Registerer != nil {
		ns := cfg.Namespace
		if ns == "" {
			ns = "amqpcore"
		}
		builder := metrics.NewPrometheusMetricsBuilder(cfg.Registerer, ns, "bridge")
		builder.AddPrometheusRouterMetrics(router)
		router.AddMiddleware(builder.NewRouterMiddleware().Middleware)
	}
	router.AddMiddleware(Retry(cfg.Retry))
	router.AddMiddleware(cfg.Middlewares...)
	return router, nil
}

// CorrelationID sets a ULID correlation id on messages that carry none.
func CorrelationID(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(CorrelationIDKey) == "" {
			msg.Metadata.Set(CorrelationIDKey, ids.New())
		}
		return h(msg)
	}
}

// Retry retries failed handlers with exponential backoff.
func Retry(cfg RetryConfig) message.HandlerMiddleware {
	cfg = cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if cfg.RetryIf != nil {
				return cfg.RetryIf(params.Err)
			}
			return true
		},
	}.Middleware
}

// LogMessages logs each handled message with its metadata at debug level.
func LogMessages(logger logging.ServiceLogger) message.HandlerMiddleware {
	logger = logging.OrNop(logger)
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Handling bridged message", logging.LogFields{
				"message_uuid": msg.UUID,
				"payload_size": len(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// Tracer wraps handling in a span carrying the delivery's routing fields.
// A nil tracer uses the global provider.
func Tracer(tracer trace.Tracer) message.HandlerMiddleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/drblury/amqpcore/bridge")
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "HandleBridgedMessage")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("amqp.consumer_tag", msg.Metadata.Get(metadata.KeyConsumerTag)),
				attribute.String("amqp.routing_key", msg.Metadata.Get(metadata.KeyRoutingKey)),
			)
			return h(msg)
		}
	}
}

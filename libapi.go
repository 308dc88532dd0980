package amqpcore

import (
	"github.com/drblury/amqpcore/bridge"
	runtimepkg "github.com/drblury/amqpcore/internal/runtime"
	"github.com/drblury/amqpcore/internal/runtime/bufpool"
	"github.com/drblury/amqpcore/internal/runtime/channel"
	configpkg "github.com/drblury/amqpcore/internal/runtime/config"
	"github.com/drblury/amqpcore/internal/runtime/connection"
	"github.com/drblury/amqpcore/internal/runtime/diagnostics"
	"github.com/drblury/amqpcore/internal/runtime/dispatch"
	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
	"github.com/drblury/amqpcore/internal/runtime/frame"
	idspkg "github.com/drblury/amqpcore/internal/runtime/ids"
	jsoncodec "github.com/drblury/amqpcore/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/amqpcore/internal/runtime/logging"
	metadatapkg "github.com/drblury/amqpcore/internal/runtime/metadata"
	metricspkg "github.com/drblury/amqpcore/internal/runtime/metrics"
	"github.com/drblury/amqpcore/internal/runtime/session"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
	"github.com/drblury/amqpcore/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Frames
	Frame             = frame.Frame
	FrameType         = frame.Type
	FrameReader       = frame.Reader
	PayloadWriter     = frame.PayloadWriter
	Method            = frame.Method
	MethodHeader      = frame.MethodHeader
	ContentHeader     = frame.ContentHeader
	ContentHeaderInfo = frame.ContentHeaderInfo
	Body              = frame.Body
	Heartbeat         = frame.Heartbeat

	// Buffers
	Pool         = bufpool.Pool
	Payload      = bufpool.Payload
	TieredPool   = bufpool.TieredPool
	PoolStats    = bufpool.Stats
	CountingPool = bufpool.CountingPool

	// Channels and sessions
	Connection        = connection.Connection
	ConnectionDeps    = connection.Deps
	ControlHandler    = connection.ControlHandler
	ChannelCloser     = connection.ChannelCloser
	Channel           = channel.Channel
	MethodDecoder     = channel.MethodDecoder
	MethodDecoderFunc = channel.MethodDecoderFunc
	Session           = session.Session
	SessionFactory    = session.SessionFactory
	SessionRegistry   = session.Registry
	IDAllocator       = session.IDAllocator

	// Shutdown
	ShutdownSignal = shutdown.Signal
	ShutdownReason = shutdown.Reason
	Initiator      = shutdown.Initiator

	// Consumers and dispatch
	Consumer        = dispatch.Consumer
	ConfirmListener = dispatch.ConfirmListener
	NopConsumer     = dispatch.NopConsumer
	ConsumerFuncs   = dispatch.ConsumerFuncs
	DispatchQueue   = dispatch.Queue
	QueueState      = dispatch.State
	Event           = dispatch.Event
	Deliver         = dispatch.Deliver
	Cancel          = dispatch.Cancel
	CancelOk        = dispatch.CancelOk
	ConsumeOk       = dispatch.ConsumeOk
	Shutdown        = dispatch.Shutdown
	Ack             = dispatch.Ack
	Nack            = dispatch.Nack
	ExceptionSink   = dispatch.ExceptionSink
	SinkFunc        = dispatch.SinkFunc
	CallbackError   = dispatch.CallbackError
	PanicError      = dispatch.PanicError
	CallbackInfo    = dispatch.CallbackInfo
	Hooks           = dispatch.Hooks

	// Observability
	Metrics             = metricspkg.Metrics
	DiagnosticsHandler  = diagnostics.Handler
	DiagnosticsSnapshot = diagnostics.Snapshot
	LogFields           = loggingpkg.LogFields
	ServiceLogger       = loggingpkg.ServiceLogger
	Metadata            = metadatapkg.Metadata

	// Transports
	Dialer                = transport.Dialer
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	// Bridge
	BridgeConsumer     = bridge.Consumer
	BridgeRouterConfig = bridge.RouterConfig
	BridgeRetryConfig  = bridge.RetryConfig

	MalformedFrameError          = errspkg.MalformedFrameError
	ProtocolVersionMismatchError = errspkg.ProtocolVersionMismatchError
	ConfigValidationError        = errspkg.ConfigValidationError
)

var (
	NewService    = runtimepkg.NewService
	DefaultConfig = configpkg.Default
	Address       = runtimepkg.Address

	NewConnection  = connection.New
	NewChannel     = channel.New
	ChannelFactory = channel.Factory
	NewRegistry    = session.NewRegistry
	NewIDAllocator = session.NewIDAllocator
	NewQuiescing   = session.NewQuiescing

	NewFrameReader      = frame.NewReader
	DecodeFrame         = frame.Decode
	EncodeFrame         = frame.Encode
	MaxFrameSize        = frame.MaxFrameSize
	ParseMethod         = frame.ParseMethod
	ParseContentHeader  = frame.ParseContentHeader
	HeartbeatFrame      = frame.HeartbeatFrame
	SplitBody           = frame.SplitBody
	WriteProtocolHeader = frame.WriteProtocolHeader
	WithFramePool       = frame.WithPool
	WithFrameMaxPayload = frame.WithMaxPayload
	WithFrameMetrics    = frame.WithMetrics

	NewTieredPool   = bufpool.NewTieredPool
	DefaultPool     = bufpool.Default
	NewCountingPool = bufpool.NewCountingPool

	NewShutdownSignal = shutdown.New
	ApplicationClose  = shutdown.ApplicationClose
	LibraryError      = shutdown.LibraryError

	NewDispatchQueue = dispatch.New
	ConsumerName     = dispatch.ConsumerName
	LoggingHooks     = dispatch.LoggingHooks
	MetricsHooks     = dispatch.MetricsHooks

	NewMetrics            = metricspkg.New
	NewDiagnosticsHandler = diagnostics.NewHandler

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.NopLogger

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	DialTransport            = transport.Dial

	NewBridgeConsumer   = bridge.NewConsumer
	BridgeByRoutingKey  = bridge.ByRoutingKey
	WithBridgeTopicFunc = bridge.WithTopicFunc
	WithBridgeLogger    = bridge.WithLogger
	WithBridgeMetadata  = bridge.WithMetadata
	NewBridgeRouter     = bridge.NewRouter
	DeliveryMetadata    = metadatapkg.FromDeliver

	NewID           = idspkg.New
	NewConnectionID = idspkg.ConnectionID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrMalformedFrame                = errspkg.ErrMalformedFrame
	ErrProtocolVersionMismatch       = errspkg.ErrProtocolVersionMismatch
	ErrPossibleAuthenticationFailure = errspkg.ErrPossibleAuthenticationFailure
	ErrShortBuffer                   = errspkg.ErrShortBuffer
	ErrUnexpectedFrame               = errspkg.ErrUnexpectedFrame
	ErrHeartbeatTimeout              = errspkg.ErrHeartbeatTimeout
	ErrChannelAllocationExhausted    = errspkg.ErrChannelAllocationExhausted
	ErrChannelAllocationConflict     = errspkg.ErrChannelAllocationConflict
	ErrChannelNotFound               = errspkg.ErrChannelNotFound
	ErrSessionClosed                 = errspkg.ErrSessionClosed
	ErrDispatchQueueClosed           = errspkg.ErrDispatchQueueClosed
	ErrDispatchQueueOpen             = errspkg.ErrDispatchQueueOpen
	ErrConfirmsNotSupported          = errspkg.ErrConfirmsNotSupported
	ErrConsumerNotFound              = errspkg.ErrConsumerNotFound
	ErrConfigRequired                = errspkg.ErrConfigRequired
	ErrDecoderRequired               = errspkg.ErrDecoderRequired
	ErrUnknownTransport              = errspkg.ErrUnknownTransport
)

// Frame types.
const (
	FrameMethod    = frame.TypeMethod
	FrameHeader    = frame.TypeHeader
	FrameBody      = frame.TypeBody
	FrameHeartbeat = frame.TypeHeartbeat
)

// Shutdown initiators and reply codes.
const (
	InitiatorApplication = shutdown.Application
	InitiatorLibrary     = shutdown.Library
	InitiatorPeer        = shutdown.Peer

	ReplySuccess       = shutdown.ReplySuccess
	ReplyFrameError    = shutdown.ReplyFrameError
	ReplyChannelError  = shutdown.ReplyChannelError
	ReplyUnexpected    = shutdown.ReplyUnexpected
	ReplyInternalError = shutdown.ReplyInternalError
)

// IsAllocationError reports whether err came from channel id allocation.
func IsAllocationError(err error) bool {
	return session.IsAllocationError(err)
}

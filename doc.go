// Package amqpcore is the transport core of an AMQP 0-9-1 client: the frame
// codec, channel id allocation and the session registry, per-channel consumer
// dispatch and the connection loop tying them to a byte stream.
//
// A Connection reads frames on one goroutine and routes them by channel
// number. Channel sessions assemble deliveries from method, content header
// and body frames and queue consumer callbacks on a per-channel FIFO, so a
// slow consumer delays only its own channel and callbacks on one channel run
// in frame-arrival order. Callback failures and panics are reported to an
// ExceptionSink and never stop the queue.
//
// Method argument encoding and the connection handshake are outside this
// package: callers supply a MethodDecoder, and optionally a ControlHandler for
// channel 0 and a ChannelCloser used when a channel is quiesced after a
// protocol violation.
//
// # Transports
//
// Connections run over any io.ReadWriteCloser. Service.Connect dials through
// the transport registry; the built-in transports are:
//   - tcp: plain TCP with OS keep-alive
//   - memory: in-process net.Pipe streams for tests and fake peers
//
// # Observability
//
// Logging goes through ServiceLogger (slog or Watermill backed). Prometheus
// collectors cover frames, channel allocation and callbacks; dispatch opens an
// OpenTelemetry span per callback. The diagnostics handler serves a JSON view
// of live channels and /metrics.
//
// # Bridge
//
// BridgeConsumer forwards deliveries to a Watermill publisher, one message per
// delivery with the routing fields as metadata. NewBridgeRouter builds a
// Watermill router with recovery, correlation ids, tracing and retries for
// handling them.
package amqpcore

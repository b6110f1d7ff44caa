// Package transport moves envelopes between silos over persistent gRPC
// bidirectional streams. Requests to actors the local silo owns never
// touch the network; remote requests are correlated to their responses by
// message ID through a concurrent pending table.
package transport

import (
	"context"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
)

const (
	// DefaultRequestTimeout bounds how long a caller waits for a remote
	// response before the send fails with a timeout.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultDialTimeout bounds connection establishment to a peer.
	DefaultDialTimeout = 10 * time.Second

	// DefaultMaxConnLifetime recycles peer connections after this age.
	DefaultMaxConnLifetime = 30 * time.Minute

	// DefaultConnIdleTimeout disposes peer connections idle this long.
	DefaultConnIdleTimeout = 10 * time.Minute

	// DefaultHealthCheckInterval is the connection sweep cadence.
	DefaultHealthCheckInterval = 5 * time.Minute

	// defaultSendQueue is the per-peer writer queue depth.
	defaultSendQueue = 256
)

// Receiver handles envelopes addressed to actors hosted on this silo. The
// returned envelope is the response sent back to the caller; request
// handling errors are folded into an error response by the transport.
type Receiver interface {
	// ReceiveEnvelope processes one inbound request envelope.
	ReceiveEnvelope(ctx context.Context,
		env *wire.Envelope) (*wire.Envelope, error)
}

// AsyncReceiver splits request handling into an ordered enqueue and a
// concurrent await. The transport calls PostEnvelope serially per stream,
// so envelopes from one sender enter their mailboxes in arrival order
// while turns for different actors still run concurrently.
type AsyncReceiver interface {
	// PostEnvelope enqueues one inbound request and returns a channel
	// that yields the turn's response.
	PostEnvelope(ctx context.Context,
		env *wire.Envelope) (<-chan *wire.Envelope, error)
}

// Transport sends envelopes to silos by ID.
type Transport interface {
	// Send delivers a request envelope to the silo that owns the target
	// actor and waits for the correlated response.
	Send(ctx context.Context, siloID string,
		env *wire.Envelope) (*wire.Envelope, error)

	// Tell delivers an envelope without waiting for a response.
	Tell(ctx context.Context, siloID string, env *wire.Envelope) error

	// SetReceiver installs the local dispatch hook. Must be called
	// before Start.
	SetReceiver(r Receiver)
}

// Config tunes a silo's transport endpoint.
type Config struct {
	// SiloID is this silo's identity. Sends addressed to it short-circuit
	// to the local receiver.
	SiloID string

	// ListenAddr is the host:port the gRPC server binds.
	ListenAddr string

	// RequestTimeout bounds request/response round trips.
	RequestTimeout time.Duration

	// DialTimeout bounds peer connection establishment.
	DialTimeout time.Duration

	// MaxConnLifetime recycles a peer connection once it reaches this
	// age; the next send redials. Zero keeps connections indefinitely.
	MaxConnLifetime time.Duration

	// ConnIdleTimeout is how long a peer connection may go unused before
	// the sweeper disposes it, when DisposeIdleConns is set.
	ConnIdleTimeout time.Duration

	// HealthCheckInterval is the sweep cadence for connection lifetime
	// and idleness. Zero disables the sweeper.
	HealthCheckInterval time.Duration

	// DisposeIdleConns turns idle connection disposal on. Disposed peers
	// are redialed on demand.
	DisposeIdleConns bool
}

// DefaultConfig returns the transport defaults for a silo.
func DefaultConfig(siloID, listenAddr string) Config {
	return Config{
		SiloID:              siloID,
		ListenAddr:          listenAddr,
		RequestTimeout:      DefaultRequestTimeout,
		DialTimeout:         DefaultDialTimeout,
		MaxConnLifetime:     DefaultMaxConnLifetime,
		ConnIdleTimeout:     DefaultConnIdleTimeout,
		HealthCheckInterval: DefaultHealthCheckInterval,
		DisposeIdleConns:    true,
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ErrPeerNotConnected is returned when a send targets a silo with no
// established stream.
var ErrPeerNotConnected = errors.New("transport: peer not connected")

// ErrTransportStopped is returned when a send races transport shutdown.
var ErrTransportStopped = errors.New("transport: stopped")

// peer is one established outbound connection. All writes to the stream
// funnel through sendCh so exactly one goroutine touches the stream
// writer.
type peer struct {
	siloID string
	addr   string

	conn   *grpc.ClientConn
	stream grpc.ClientStream

	sendCh chan *wire.Envelope

	// createdAt and lastUsed feed the connection sweeper: age against
	// MaxConnLifetime, idleness against ConnIdleTimeout. lastUsed holds
	// unix nanoseconds.
	createdAt time.Time
	lastUsed  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// touch marks the peer as just used.
func (p *peer) touch() {
	p.lastUsed.Store(time.Now().UnixNano())
}

// GRPCTransport is the production transport: one gRPC server accepting
// envelope streams from peers, plus one outbound stream per connected
// peer. Envelopes addressed to the local silo bypass all of it.
type GRPCTransport struct {
	cfg      Config
	receiver Receiver

	server   *grpc.Server
	listener net.Listener

	// pending maps in-flight request message IDs to their response
	// channels.
	pending sync.Map

	mu    sync.Mutex
	peers map[string]*peer

	// addrs remembers every peer address ever connected, surviving
	// disposal so a later send can redial on demand.
	addrs map[string]string

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewGRPCTransport creates a transport endpoint for one silo. The
// receiver is installed separately via SetReceiver so the silo layer can
// be constructed on top of the transport.
func NewGRPCTransport(cfg Config) *GRPCTransport {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &GRPCTransport{
		cfg:    cfg,
		peers:  make(map[string]*peer),
		addrs:  make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetReceiver installs the local dispatch hook. Must be called before
// Start.
func (t *GRPCTransport) SetReceiver(r Receiver) {
	t.receiver = r
}

// Start binds the listener and begins serving envelope streams.
func (t *GRPCTransport) Start() error {
	var startErr error
	t.startOnce.Do(func() {
		listener, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			startErr = fmt.Errorf("failed to listen on %s: %w",
				t.cfg.ListenAddr, err)
			return
		}
		t.listener = listener

		t.server = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    30 * time.Second,
				Timeout: 10 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(
				keepalive.EnforcementPolicy{
					MinTime:             10 * time.Second,
					PermitWithoutStream: true,
				},
			),
		)
		t.server.RegisterService(&serviceDesc, t)

		log.InfoS(t.ctx, "Transport listening",
			"silo_id", t.cfg.SiloID,
			"addr", listener.Addr().String())

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()

			if err := t.server.Serve(listener); err != nil {
				log.ErrorS(t.ctx, "Transport server exited",
					err)
			}
		}()

		if t.cfg.HealthCheckInterval > 0 {
			t.wg.Add(1)
			go t.sweepConns()
		}
	})

	return startErr
}

// Stop tears down every peer stream and the server. In-flight sends fail
// with cancellation.
func (t *GRPCTransport) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()

		t.mu.Lock()
		peers := make([]*peer, 0, len(t.peers))
		for _, p := range t.peers {
			peers = append(peers, p)
		}
		t.peers = make(map[string]*peer)
		t.mu.Unlock()

		for _, p := range peers {
			t.teardownPeer(p)
		}

		// Hard stop: peers hold their streams open indefinitely, so a
		// graceful stop would never return. The silo drains mailboxes
		// before the transport goes down.
		if t.server != nil {
			t.server.Stop()
		}

		t.wg.Wait()
	})
}

// Addr returns the bound listen address, useful when the config asked for
// port 0.
func (t *GRPCTransport) Addr() string {
	if t.listener == nil {
		return t.cfg.ListenAddr
	}

	return t.listener.Addr().String()
}

// Connect establishes the outbound stream to a peer silo. Connecting to
// an already connected silo is a no-op.
func (t *GRPCTransport) Connect(ctx context.Context, siloID,
	addr string) error {

	t.mu.Lock()
	t.addrs[siloID] = addr
	if _, ok := t.peers[siloID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to dial silo %s at %s: %w",
			siloID, addr, err)
	}

	peerCtx, peerCancel := context.WithCancel(t.ctx)
	stream, err := conn.NewStream(
		peerCtx, &envelopeStreamDesc, streamMethod,
	)
	if err != nil {
		peerCancel()
		conn.Close()
		return fmt.Errorf("failed to open stream to silo %s: %w",
			siloID, err)
	}

	p := &peer{
		siloID:    siloID,
		addr:      addr,
		conn:      conn,
		stream:    stream,
		sendCh:    make(chan *wire.Envelope, defaultSendQueue),
		createdAt: time.Now(),
		ctx:       peerCtx,
		cancel:    peerCancel,
	}
	p.touch()

	t.mu.Lock()
	// A concurrent Connect may have won the race.
	if _, ok := t.peers[siloID]; ok {
		t.mu.Unlock()
		peerCancel()
		conn.Close()
		return nil
	}
	t.peers[siloID] = p
	t.mu.Unlock()

	p.wg.Add(2)
	go t.peerWriter(p)
	go t.peerReader(p)

	log.InfoS(ctx, "Connected to peer silo",
		"silo_id", siloID, "addr", addr)

	return nil
}

// Disconnect tears down the stream to a peer silo.
func (t *GRPCTransport) Disconnect(siloID string) {
	t.mu.Lock()
	p, ok := t.peers[siloID]
	delete(t.peers, siloID)
	t.mu.Unlock()

	if ok {
		t.teardownPeer(p)
	}
}

// teardownPeer cancels a peer's goroutines and closes its connection.
func (t *GRPCTransport) teardownPeer(p *peer) {
	p.cancel()
	p.wg.Wait()
	p.conn.Close()
}

// sweepConns periodically disposes peer connections that have outlived
// MaxConnLifetime or sat idle past ConnIdleTimeout. Disposed peers keep
// their address on file, so the next send redials transparently.
func (t *GRPCTransport) sweepConns() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepOnce(time.Now())

		case <-t.ctx.Done():
			return
		}
	}
}

// sweepOnce applies the lifetime and idleness policy at one instant.
func (t *GRPCTransport) sweepOnce(now time.Time) {
	t.mu.Lock()
	var expired []*peer
	for id, p := range t.peers {
		tooOld := t.cfg.MaxConnLifetime > 0 &&
			now.Sub(p.createdAt) >= t.cfg.MaxConnLifetime
		idle := t.cfg.DisposeIdleConns && t.cfg.ConnIdleTimeout > 0 &&
			now.Sub(time.Unix(0, p.lastUsed.Load())) >=
				t.cfg.ConnIdleTimeout

		if tooOld || idle {
			expired = append(expired, p)
			delete(t.peers, id)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		log.DebugS(t.ctx, "Disposing peer connection",
			"silo_id", p.siloID,
			"age", now.Sub(p.createdAt))
		t.teardownPeer(p)
	}
}

// getPeer resolves the live connection for a silo, redialing from the
// remembered address when the sweeper disposed the previous one.
func (t *GRPCTransport) getPeer(ctx context.Context,
	siloID string) (*peer, error) {

	t.mu.Lock()
	p, ok := t.peers[siloID]
	addr, known := t.addrs[siloID]
	t.mu.Unlock()

	if ok {
		return p, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotConnected, siloID)
	}

	if err := t.Connect(ctx, siloID, addr); err != nil {
		return nil, err
	}

	t.mu.Lock()
	p, ok = t.peers[siloID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotConnected, siloID)
	}

	return p, nil
}

// Send delivers a request envelope and waits for the correlated response.
// Local targets short-circuit straight into the receiver.
func (t *GRPCTransport) Send(ctx context.Context, siloID string,
	env *wire.Envelope) (*wire.Envelope, error) {

	if siloID == t.cfg.SiloID {
		return t.deliverLocal(ctx, env)
	}

	p, err := t.getPeer(ctx, siloID)
	if err != nil {
		return nil, err
	}
	p.touch()

	// Register the response slot before the envelope can possibly be
	// written, so a fast responder never races the registration.
	respCh := make(chan *wire.Envelope, 1)
	t.pending.Store(env.MessageID, respCh)
	defer t.pending.Delete(env.MessageID)

	select {
	case p.sendCh <- env:

	case <-ctx.Done():
		return nil, wire.ErrCanceled

	case <-p.ctx.Done():
		return nil, ErrTransportStopped
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil

	case <-timer.C:
		return nil, fmt.Errorf("%w: no response from %s within %v",
			wire.ErrTimeout, siloID, t.cfg.RequestTimeout)

	case <-ctx.Done():
		return nil, wire.ErrCanceled

	case <-p.ctx.Done():
		return nil, ErrTransportStopped
	}
}

// Tell delivers an envelope without waiting for a response.
func (t *GRPCTransport) Tell(ctx context.Context, siloID string,
	env *wire.Envelope) error {

	if siloID == t.cfg.SiloID {
		_, err := t.deliverLocal(ctx, env)
		return err
	}

	p, err := t.getPeer(ctx, siloID)
	if err != nil {
		return err
	}
	p.touch()

	select {
	case p.sendCh <- env:
		return nil

	case <-ctx.Done():
		return wire.ErrCanceled

	case <-p.ctx.Done():
		return ErrTransportStopped
	}
}

// deliverLocal hands an envelope straight to the local receiver, skipping
// serialization entirely.
func (t *GRPCTransport) deliverLocal(ctx context.Context,
	env *wire.Envelope) (*wire.Envelope, error) {

	log.TraceS(ctx, "Short-circuiting local delivery",
		"actor_id", env.ActorID,
		"method", env.MethodName)

	resp, err := t.receiver.ReceiveEnvelope(ctx, env)
	if err != nil {
		return env.ErrorResponse(err), nil
	}

	return resp, nil
}

// peerWriter is the single goroutine allowed to write to a peer stream.
func (t *GRPCTransport) peerWriter(p *peer) {
	defer p.wg.Done()

	for {
		select {
		case env := <-p.sendCh:
			if err := p.stream.SendMsg(env); err != nil {
				log.WarnS(p.ctx, "Peer stream write failed",
					err, "silo_id", p.siloID)
				p.cancel()
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// peerReader drains responses (and any server-initiated requests) from a
// peer stream.
func (t *GRPCTransport) peerReader(p *peer) {
	defer p.wg.Done()

	inCh := make(chan *wire.Envelope, defaultSendQueue)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t.inboundWorker(p.ctx, inCh, p.sendCh)
	}()

	for {
		env := new(wire.Envelope)
		if err := p.stream.RecvMsg(env); err != nil {
			if p.ctx.Err() == nil {
				log.WarnS(p.ctx, "Peer stream read failed",
					err, "silo_id", p.siloID)
			}
			p.cancel()
			return
		}

		t.dispatchInbound(p.ctx, env, inCh)
	}
}

// EnvelopeStream serves one inbound peer stream. Mirrors the client side:
// a single writer goroutine owns the stream writer while the reader loop
// dispatches envelopes.
func (t *GRPCTransport) EnvelopeStream(stream grpc.ServerStream) error {
	sendCh := make(chan *wire.Envelope, defaultSendQueue)

	streamCtx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case env := <-sendCh:
				if err := stream.SendMsg(env); err != nil {
					cancel()
					return
				}

			case <-streamCtx.Done():
				return
			}
		}
	}()

	inCh := make(chan *wire.Envelope, defaultSendQueue)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.inboundWorker(streamCtx, inCh, sendCh)
	}()

	for {
		env := new(wire.Envelope)
		if err := stream.RecvMsg(env); err != nil {
			cancel()
			wg.Wait()
			return err
		}

		t.dispatchInbound(streamCtx, env, inCh)
	}
}

// dispatchInbound routes one envelope from any stream: responses complete
// their pending slot in line (completePending never blocks), requests are
// queued for the stream's inbound worker so envelopes from one producer
// reach their mailboxes in arrival order.
func (t *GRPCTransport) dispatchInbound(ctx context.Context,
	env *wire.Envelope, inCh chan<- *wire.Envelope) {

	if env.IsResponse {
		t.completePending(env)
		return
	}

	select {
	case inCh <- env:
	case <-ctx.Done():
	}
}

// inboundWorker consumes one stream's request queue. An AsyncReceiver
// gets its envelopes enqueued serially, keeping per-sender FIFO into the
// mailboxes, while each response is awaited off the worker so slow turns
// for one actor never stall requests for another.
func (t *GRPCTransport) inboundWorker(ctx context.Context,
	inCh <-chan *wire.Envelope, replyCh chan<- *wire.Envelope) {

	async, _ := t.receiver.(AsyncReceiver)

	for {
		select {
		case env := <-inCh:
			t.handleInbound(ctx, async, env, replyCh)

		case <-ctx.Done():
			return
		}
	}
}

// handleInbound runs one request through the receiver and funnels the
// response to the stream writer.
func (t *GRPCTransport) handleInbound(ctx context.Context,
	async AsyncReceiver, env *wire.Envelope,
	replyCh chan<- *wire.Envelope) {

	if async == nil {
		resp, err := t.receiver.ReceiveEnvelope(ctx, env)
		if err != nil {
			resp = env.ErrorResponse(err)
		}
		t.reply(ctx, resp, replyCh)
		return
	}

	respCh, err := async.PostEnvelope(ctx, env)
	if err != nil {
		t.reply(ctx, env.ErrorResponse(err), replyCh)
		return
	}

	go func() {
		select {
		case resp := <-respCh:
			t.reply(ctx, resp, replyCh)

		case <-ctx.Done():
		}
	}()
}

// reply pushes a response onto a stream writer queue, dropping it if the
// stream is gone.
func (t *GRPCTransport) reply(ctx context.Context, resp *wire.Envelope,
	replyCh chan<- *wire.Envelope) {

	if resp == nil {
		return
	}

	select {
	case replyCh <- resp:
	case <-ctx.Done():
	}
}

// completePending hands a response to the waiting sender, if any. Late
// responses after a timeout or cancellation are dropped.
func (t *GRPCTransport) completePending(env *wire.Envelope) {
	ch, ok := t.pending.LoadAndDelete(env.MessageID)
	if !ok {
		log.TraceS(t.ctx, "Dropping uncorrelated response",
			"message_id", env.MessageID)
		return
	}

	ch.(chan *wire.Envelope) <- env
}

// Package bridge connects the audio pipeline to one remote peer over a
// WebSocket. Captured audio is sent to the peer as binary messages; binary
// messages from the peer are queued for playback.
//
// In [ModeEncoded] every message is one Opus packet. In [ModePCM] every
// message is little-endian signed 16-bit PCM in the negotiated format.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/audio"
)

// Mode selects what travels over the socket.
type Mode string

const (
	// ModeEncoded exchanges Opus packets.
	ModeEncoded Mode = "encoded"
	// ModePCM exchanges raw PCM.
	ModePCM Mode = "pcm"
)

const (
	defaultQueueSize  = 50
	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second

	// readLimit fits 120 ms of 48 kHz stereo PCM with room to spare.
	readLimit = 64 << 10
)

// Drop reasons reported through [observe.Metrics.RecordBridgeDrop].
const (
	dropQueueFull  = "queue_full"
	dropSendFull   = "send_full"
	dropMisaligned = "misaligned"
	dropReplaced   = "replaced"
)

var (
	// ErrClosed is reported by [Bridge.Healthy] after [Bridge.Close].
	ErrClosed = errors.New("bridge: closed")
	// ErrNoPeer is reported by [Bridge.Healthy] while no peer is attached.
	ErrNoPeer = errors.New("bridge: no peer connected")
)

// Pipeline is the part of [pipeline.Orchestrator] the bridge attaches to.
type Pipeline interface {
	OnCapture(pipeline.CaptureFunc)
	OnCapturePacket(pipeline.PacketFunc)
	OnPlayback(pipeline.SupplyFunc)
	OnPlaybackPacket(pipeline.PacketSupplyFunc)
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithMode sets the wire mode. Default: [ModeEncoded].
func WithMode(m Mode) Option {
	return func(b *Bridge) { b.mode = m }
}

// WithQueueSize bounds the playback queue. Default: 50.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithSendBuffer sets how many outbound messages may wait per peer before
// new ones are dropped. Default: 64.
func WithSendBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.sendBuffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin browser peers matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) { b.origins = patterns }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) {
		if m != nil {
			b.metrics = m
		}
	}
}

// peer is one accepted WebSocket connection.
type peer struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Bridge is an [http.Handler] serving a single WebSocket peer. A new peer
// replaces the current one.
type Bridge struct {
	mode       Mode
	queueSize  int
	sendBuffer int
	origins    []string
	logger     *slog.Logger
	metrics    *observe.Metrics

	queue *Queue[[]byte]

	mu     sync.Mutex
	peer   *peer
	closed bool
}

// New creates a Bridge. Call [Bridge.Attach] to wire it to a pipeline and
// mount it on an HTTP mux.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		mode:       ModeEncoded,
		queueSize:  defaultQueueSize,
		sendBuffer: defaultSendBuffer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.queue = NewQueue[[]byte](b.queueSize)
	return b
}

// Mode returns the wire mode.
func (b *Bridge) Mode() Mode { return b.mode }

// Attach registers the bridge's capture and playback callbacks on p for the
// configured mode.
func (b *Bridge) Attach(p Pipeline) {
	if b.mode == ModePCM {
		p.OnCapture(b.HandleCapture)
		p.OnPlayback(b.SupplyPCM)
		return
	}
	p.OnCapturePacket(b.HandlePacket)
	p.OnPlaybackPacket(b.SupplyPacket)
}

// Connected reports whether a peer is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// Healthy returns [ErrClosed] or [ErrNoPeer] when the bridge cannot carry
// audio right now.
func (b *Bridge) Healthy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return ErrClosed
	case b.peer == nil:
		return ErrNoPeer
	}
	return nil
}

// Queued returns the number of messages waiting for playback.
func (b *Bridge) Queued() int { return b.queue.Len() }

// ─── Capture side ────────────────────────────────────────────────────────────

// HandlePacket sends a captured packet to the peer. It never blocks.
func (b *Bridge) HandlePacket(p audio.EncodedPacket) {
	if p.Empty() {
		return
	}
	b.sendToPeer(p.Data)
}

// HandleCapture sends captured PCM to the peer. It never blocks.
func (b *Bridge) HandleCapture(f audio.PCMFrame) {
	if f.Empty() {
		return
	}
	b.sendToPeer(audio.Int16sToBytes(f.Samples))
}

func (b *Bridge) sendToPeer(data []byte) {
	b.mu.Lock()
	p := b.peer
	b.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.send <- data:
	default:
		b.metrics.RecordBridgeDrop(context.Background(), dropSendFull)
	}
}

// ─── Playback side ───────────────────────────────────────────────────────────

// SupplyPacket returns the oldest queued packet, or an empty packet.
func (b *Bridge) SupplyPacket() audio.EncodedPacket {
	data, ok := b.queue.Pop()
	if !ok {
		return audio.EncodedPacket{}
	}
	return audio.EncodedPacket{Data: data}
}

// SupplyPCM fills f with the oldest queued PCM message. Messages that are
// not a whole number of frames in f's format are dropped.
func (b *Bridge) SupplyPCM(f *audio.PCMFrame) {
	data, ok := b.queue.Pop()
	if !ok {
		return
	}
	if ch := f.Format.Channels; ch <= 0 || len(data)%(2*ch) != 0 {
		b.metrics.RecordBridgeDrop(context.Background(), dropMisaligned)
		b.logger.Debug("dropping misaligned PCM message", "bytes", len(data), "channels", ch)
		return
	}
	f.Samples = audio.BytesToInt16s(data)
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

// ServeHTTP upgrades the request and serves the peer until it disconnects,
// is replaced, or the bridge is closed.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.origins,
	})
	if err != nil {
		b.logger.Warn("bridge: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, b.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	log := b.logger.With("peer_id", p.id, "remote", r.RemoteAddr)

	if !b.attachPeer(p, log) {
		cancel()
		conn.Close(websocket.StatusGoingAway, "bridge closed")
		return
	}
	b.metrics.BridgePeers.Add(ctx, 1)
	log.Info("bridge peer connected", "mode", b.mode)

	go b.writeLoop(p, log)
	b.readLoop(p, log)

	b.detachPeer(p)
	cancel()
	conn.CloseNow()
	b.metrics.BridgePeers.Add(context.Background(), -1)
	log.Info("bridge peer disconnected")
}

func (b *Bridge) attachPeer(p *peer, log *slog.Logger) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if old := b.peer; old != nil {
		log.Info("replacing bridge peer", "old_peer_id", old.id)
		go closePeer(old, websocket.StatusGoingAway, "replaced by a new peer")
	}
	b.peer = p
	b.queue.Reset()
	return true
}

func (b *Bridge) detachPeer(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peer == p {
		b.peer = nil
	}
}

// closePeer runs the close handshake; the peer's read loop sees the close
// frame and exits.
func closePeer(p *peer, code websocket.StatusCode, reason string) {
	_ = p.conn.Close(code, reason)
	p.cancel()
}

func (b *Bridge) readLoop(p *peer, log *slog.Logger) {
	for {
		typ, data, err := p.conn.Read(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				log.Debug("bridge read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			log.Debug("ignoring text message", "bytes", len(data))
			continue
		}
		if len(data) == 0 {
			continue
		}
		b.enqueue(p, data)
	}
}

// enqueue queues data for playback if p is still the current peer. A
// replaced peer keeps reading until its close handshake ends; its audio
// must not reach the new session's queue.
func (b *Bridge) enqueue(p *peer, data []byte) bool {
	b.mu.Lock()
	if b.peer != p {
		b.mu.Unlock()
		b.metrics.RecordBridgeDrop(context.Background(), dropReplaced)
		return false
	}
	evicted := b.queue.Push(data)
	b.mu.Unlock()
	if evicted {
		b.metrics.RecordBridgeDrop(context.Background(), dropQueueFull)
	}
	return true
}

func (b *Bridge) writeLoop(p *peer, log *slog.Logger) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case data := <-p.send:
			ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
			err := p.conn.Write(ctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("bridge write failed", "err", err)
				}
				p.cancel()
				return
			}
		}
	}
}

// Close disconnects the current peer and refuses new ones.
func (b *Bridge) Close() error {
	b.mu.Lock()
	p := b.peer
	b.peer = nil
	b.closed = true
	b.mu.Unlock()
	if p != nil {
		closePeer(p, websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

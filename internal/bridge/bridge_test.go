package bridge_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/bridge"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakePipeline records which callbacks the bridge registered.
type fakePipeline struct {
	capture       pipeline.CaptureFunc
	capturePacket pipeline.PacketFunc
	supply        pipeline.SupplyFunc
	supplyPacket  pipeline.PacketSupplyFunc
}

func (f *fakePipeline) OnCapture(fn pipeline.CaptureFunc) { f.capture = fn }
func (f *fakePipeline) OnCapturePacket(fn pipeline.PacketFunc) { f.capturePacket = fn }
func (f *fakePipeline) OnPlayback(fn pipeline.SupplyFunc) { f.supply = fn }
func (f *fakePipeline) OnPlaybackPacket(fn pipeline.PacketSupplyFunc) { f.supplyPacket = fn }

func newBridge(t *testing.T, opts ...bridge.Option) (*bridge.Bridge, *httptest.Server) {
	t.Helper()
	opts = append([]bridge.Option{bridge.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	b := bridge.New(opts...)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		_ = b.Close()
		srv.Close()
	})
	return b, srv
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, b *bridge.Bridge, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	eventually(t, "peer attached", b.Connected)
	return conn
}

// newMeteredBridge returns a bridge whose metrics are read through the
// returned reader.
func newMeteredBridge(t *testing.T, opts ...bridge.Option) (*bridge.Bridge, *httptest.Server, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	b, srv := newBridge(t, append(opts, bridge.WithMetrics(m))...)
	return b, srv, reader
}

func drops(t *testing.T, reader *sdkmetric.ManualReader, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != "parley.bridge.dropped" || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok && v.AsString() == reason {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return typ, data
}

func write(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// ── Attach ────────────────────────────────────────────────────────────────────

func TestAttach_Modes(t *testing.T) {
	t.Parallel()

	enc := &fakePipeline{}
	bridge.New().Attach(enc)
	if enc.capturePacket == nil || enc.supplyPacket == nil {
		t.Error("encoded mode did not register packet callbacks")
	}
	if enc.capture != nil || enc.supply != nil {
		t.Error("encoded mode registered PCM callbacks")
	}

	pcm := &fakePipeline{}
	bridge.New(bridge.WithMode(bridge.ModePCM)).Attach(pcm)
	if pcm.capture == nil || pcm.supply == nil {
		t.Error("pcm mode did not register PCM callbacks")
	}
	if pcm.capturePacket != nil || pcm.supplyPacket != nil {
		t.Error("pcm mode registered packet callbacks")
	}
}

// ── Encoded mode ──────────────────────────────────────────────────────────────

func TestEncoded_CapturedPacketsReachPeer(t *testing.T) {
	t.Parallel()
	b, srv := newBridge(t)
	conn := dial(t, b, srv)

	b.HandlePacket(audio.EncodedPacket{Data: []byte{1, 2, 3}})
	b.HandlePacket(audio.EncodedPacket{}) // DTX: nothing to send
	b.HandlePacket(audio.EncodedPacket{Data: []byte{4}})

	typ, data := read(t, conn)
	if typ != websocket.MessageBinary || string(data) != "\x01\x02\x03" {
		t.Errorf("first message = %v %v", typ, data)
	}
	_, data = read(t, conn)
	if string(data) != "\x04" {
		t.Errorf("second message = %v, want [4]", data)
	}
}

func TestEncoded_PeerPacketsAreQueued(t *testing.T) {
	t.Parallel()
	b, srv := newBridge(t)
	conn := dial(t, b, srv)

	write(t, conn, websocket.MessageBinary, []byte{9, 9})
	write(t, conn, websocket.MessageText, []byte(`{"type":"hello"}`))
	write(t, conn, websocket.MessageBinary, []byte{7})
	eventually(t, "two queued packets", func() bool { return b.Queued() == 2 })

	if p := b.SupplyPacket(); string(p.Data) != "\x09\x09" {
		t.Errorf("first packet = %v", p.Data)
	}
	if p := b.SupplyPacket(); string(p.Data) != "\x07" {
		t.Errorf("second packet = %v", p.Data)
	}
	if p := b.SupplyPacket(); !p.Empty() {
		t.Errorf("empty queue supplied %v", p.Data)
	}
}

func TestEncoded_QueueDropsOldest(t *testing.T) {
	t.Parallel()
	b, srv, reader := newMeteredBridge(t, bridge.WithQueueSize(2))
	conn := dial(t, b, srv)

	for i := range 5 {
		write(t, conn, websocket.MessageBinary, []byte{byte(i)})
	}
	eventually(t, "three evictions", func() bool {
		return drops(t, reader, "queue_full") == 3
	})

	first := b.SupplyPacket()
	second := b.SupplyPacket()
	if len(first.Data) != 1 || first.Data[0] != 3 || len(second.Data) != 1 || second.Data[0] != 4 {
		t.Errorf("queue held %v, %v; want [3], [4]", first.Data, second.Data)
	}
}

func TestNoPeer_CaptureIsDiscarded(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithLogger(slog.New(slog.DiscardHandler)))
	// Must not block or panic.
	for range 100 {
		b.HandlePacket(audio.EncodedPacket{Data: []byte{1}})
		b.HandleCapture(audio.Silence(mono16k, 160))
	}
	if b.Connected() {
		t.Error("Connected = true without a peer")
	}
}

func TestSlowPeer_SendNeverBlocks(t *testing.T) {
	t.Parallel()
	b, srv, reader := newMeteredBridge(t, bridge.WithSendBuffer(1))
	_ = dial(t, b, srv) // never reads

	done := make(chan struct{})
	go func() {
		for range 10000 {
			b.HandlePacket(audio.EncodedPacket{Data: make([]byte, 1000)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandlePacket blocked on a slow peer")
	}
	if drops(t, reader, "send_full") == 0 {
		t.Error("no send_full drops recorded for a slow peer")
	}
}

// ── PCM mode ──────────────────────────────────────────────────────────────────

func TestPCM_RoundTrip(t *testing.T) {
	t.Parallel()
	b, srv := newBridge(t, bridge.WithMode(bridge.ModePCM))
	conn := dial(t, b, srv)

	b.HandleCapture(audio.PCMFrame{Samples: []int16{1, -2, 300}, Format: mono16k})
	_, data := read(t, conn)
	if got := audio.BytesToInt16s(data); len(got) != 3 || got[0] != 1 || got[1] != -2 || got[2] != 300 {
		t.Errorf("peer received %v, want [1 -2 300]", got)
	}

	write(t, conn, websocket.MessageBinary, audio.Int16sToBytes([]int16{5, 6, 7, 8}))
	eventually(t, "PCM queued", func() bool { return b.Queued() == 1 })

	f := audio.PCMFrame{Format: mono16k}
	b.SupplyPCM(&f)
	if len(f.Samples) != 4 || f.Samples[3] != 8 {
		t.Errorf("supplied %v, want [5 6 7 8]", f.Samples)
	}
}

func TestPCM_MisalignedDropped(t *testing.T) {
	t.Parallel()
	b, srv, reader := newMeteredBridge(t, bridge.WithMode(bridge.ModePCM))
	conn := dial(t, b, srv)

	// Three samples cannot be stereo frames.
	write(t, conn, websocket.MessageBinary, audio.Int16sToBytes([]int16{1, 2, 3}))
	eventually(t, "PCM queued", func() bool { return b.Queued() == 1 })

	f := audio.PCMFrame{Format: audio.Format{SampleRate: 16000, Channels: 2}}
	b.SupplyPCM(&f)
	if !f.Empty() {
		t.Errorf("misaligned message supplied %v", f.Samples)
	}
	if got := drops(t, reader, "misaligned"); got != 1 {
		t.Errorf("misaligned drops = %d, want 1", got)
	}
}

// ── Peer lifecycle ────────────────────────────────────────────────────────────

func TestNewPeerReplacesOld(t *testing.T) {
	t.Parallel()
	b, srv := newBridge(t)
	old := dial(t, b, srv)
	write(t, old, websocket.MessageBinary, []byte{1})
	eventually(t, "old peer packet queued", func() bool { return b.Queued() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	fresh, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer fresh.CloseNow()

	// The old connection is closed by the server.
	_, _, err = old.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("old peer close status = %v (err %v), want StatusGoingAway", websocket.CloseStatus(err), err)
	}
	if b.Queued() != 0 {
		t.Errorf("queue kept %d entries from the replaced peer", b.Queued())
	}

	b.HandlePacket(audio.EncodedPacket{Data: []byte{42}})
	_, data := read(t, fresh)
	if string(data) != "\x2a" {
		t.Errorf("new peer received %v, want [42]", data)
	}
}

func TestPeerDisconnect_DetachesPeer(t *testing.T) {
	t.Parallel()
	b, srv := newBridge(t)
	conn := dial(t, b, srv)

	conn.Close(websocket.StatusNormalClosure, "bye")
	eventually(t, "peer detached", func() bool { return !b.Connected() })
}

func TestClose_RefusesNewPeers(t *testing.T) {
	t.Parallel()
	b, srv := newBridge(t)
	conn := dial(t, b, srv)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want StatusGoingAway", websocket.CloseStatus(err))
	}

	late, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer late.CloseNow()
	if _, _, err := late.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("late peer close status = %v, want StatusGoingAway", websocket.CloseStatus(err))
	}
	if b.Connected() {
		t.Error("closed bridge accepted a peer")
	}
}

func TestHealthy_TracksPeerAndClose(t *testing.T) {
	t.Parallel()
	b, srv := newBridge(t)
	ctx := context.Background()

	if err := b.Healthy(ctx); !errors.Is(err, bridge.ErrNoPeer) {
		t.Errorf("Healthy() before dial = %v, want ErrNoPeer", err)
	}
	dial(t, b, srv)
	if err := b.Healthy(ctx); err != nil {
		t.Errorf("Healthy() with peer = %v", err)
	}
	_ = b.Close()
	if err := b.Healthy(ctx); !errors.Is(err, bridge.ErrClosed) {
		t.Errorf("Healthy() after Close = %v, want ErrClosed", err)
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		patterns []string
		origin   string
		wantOK   bool
	}{
		{"cross origin refused by default", nil, "https://app.example.com", false},
		{"pattern admits origin", []string{"*.example.com"}, "https://app.example.com", true},
		{"pattern does not match", []string{"*.example.com"}, "https://evil.test", false},
		{"no origin header", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, srv := newBridge(t, bridge.WithOriginPatterns(tt.patterns...))

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
			if tt.origin != "" {
				opts.HTTPHeader.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.Dial(ctx, wsURL(srv), opts)
			if conn != nil {
				defer conn.CloseNow()
			}
			if tt.wantOK {
				if err != nil {
					t.Fatalf("Dial: %v", err)
				}
				eventually(t, "peer attached", b.Connected)
				return
			}
			if err == nil {
				t.Fatal("Dial succeeded, want the origin to be refused")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("response = %v, want 403", resp)
			}
			if b.Connected() {
				t.Error("refused peer was attached")
			}
		})
	}
}

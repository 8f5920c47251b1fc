package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

// StartRecording starts capture on the device and the capture goroutine.
// It is a no-op while recording is already running.
func (o *Orchestrator) StartRecording() error {
	return o.startLoop(&o.capture, o.captureLoop)
}

// StopRecording stops the capture goroutine and waits for it. It returns
// once the blocking read in progress has completed; that read is discarded.
// Playback is not affected.
func (o *Orchestrator) StopRecording() {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.stopLoop(&o.capture)
}

// StartPlayback starts playback on the device and the playback goroutine.
// It is a no-op while playback is already running.
func (o *Orchestrator) StartPlayback() error {
	return o.startLoop(&o.playback, o.playbackLoop)
}

// StopPlayback stops the playback goroutine and waits for it. Capture is not
// affected.
func (o *Orchestrator) StopPlayback() {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.stopLoop(&o.playback)
}

func (o *Orchestrator) startLoop(l *loop, run func(*components, *loop)) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.stopped.Load() {
		return ErrClosed
	}
	c := o.comp.Load()
	if !o.initialized.Load() || c == nil {
		return ErrNotInitialized
	}
	if l.running.Load() {
		return nil
	}
	// A loop that died on a panic has cleared its flag but may still be
	// unwinding.
	if l.done != nil {
		<-l.done
	}

	var err error
	if l.dir == device.Capture {
		err = c.io.StartCapture()
	} else {
		err = c.io.StartPlayback()
	}
	if err != nil {
		return fmt.Errorf("pipeline: start %s: %w", l.dir, err)
	}

	if l.breaker != nil {
		l.breaker.Reset()
	}
	l.failures = 0
	l.done = make(chan struct{})
	l.running.Store(true)
	go run(c, l)

	o.logger.Info("audio direction started", "direction", l.dir)
	return nil
}

// stopLoop must be called with lifeMu held.
func (o *Orchestrator) stopLoop(l *loop) {
	wasRunning := l.running.Swap(false)
	if l.done != nil {
		<-l.done
		l.done = nil
	}
	if wasRunning {
		o.logger.Info("audio direction stopped", "direction", l.dir)
	}
}

// finish is deferred by both loops: it recovers a callback panic, halts the
// device stream and signals done.
func (o *Orchestrator) finish(c *components, l *loop) {
	if r := recover(); r != nil {
		l.running.Store(false)
		o.logger.Error("audio loop panicked, stopping direction",
			"direction", l.dir,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}

	var err error
	if l.dir == device.Capture {
		err = c.io.StopCapture()
	} else {
		err = c.io.StopPlayback()
	}
	if err != nil && !errors.Is(err, device.ErrNotOpen) {
		o.logger.Warn("stopping device stream", "direction", l.dir, "err", err)
	}
	o.metrics.StreamStopped(context.Background(), l.dir.String())
	close(l.done)
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) captureLoop(c *components, l *loop) {
	ctx := context.Background()
	defer o.finish(c, l)
	o.metrics.StreamStarted(ctx, l.dir.String())

	pk := opus.NewPacketizer(c.enc)
	for l.running.Load() {
		frame, err := c.io.Read(o.cfg.PeriodFrames)
		if !l.running.Load() {
			break
		}
		if err != nil {
			if o.failed(ctx, c, l, err) {
				pk.Reset()
			}
			time.Sleep(o.cfg.BackoffDelay)
			continue
		}
		o.succeeded(l)
		if frame.Empty() {
			continue
		}
		o.metrics.RecordFrames(ctx, l.dir.String(), frame.Frames())
		o.deliverCapture(ctx, frame, pk)
	}
}

func (o *Orchestrator) deliverCapture(ctx context.Context, frame audio.PCMFrame, pk *opus.Packetizer) {
	onPCM, onPacket := o.captureCallbacks()
	if onPCM == nil && onPacket == nil {
		return
	}
	start := time.Now()
	if onPCM != nil {
		onPCM(frame)
	}
	if onPacket != nil {
		err := pk.Push(frame, func(p audio.EncodedPacket) {
			o.metrics.RecordPacket(ctx, "encode", p.Len())
			onPacket(p)
		})
		if err != nil {
			o.metrics.RecordCodecError(ctx, "encode")
			o.logger.Debug("encode failed", "err", err)
		}
	}
	o.metrics.RecordCallback(ctx, "capture", time.Since(start))
}

// ─── Playback ────────────────────────────────────────────────────────────────

func (o *Orchestrator) playbackLoop(c *components, l *loop) {
	ctx := context.Background()
	defer o.finish(c, l)
	o.metrics.StreamStarted(ctx, l.dir.String())

	for l.running.Load() {
		frame, ok := o.nextPlayback(ctx, c)
		if !l.running.Load() {
			break
		}
		if !ok {
			time.Sleep(o.cfg.IdleDelay)
			continue
		}
		err := c.io.Write(frame)
		if errors.Is(err, device.ErrFormat) {
			// Bad input from the supplier, not a device fault.
			o.logger.Warn("dropping playback frame", "err", err)
			time.Sleep(o.cfg.IdleDelay)
			continue
		}
		if err != nil {
			o.failed(ctx, c, l, err)
			time.Sleep(o.cfg.BackoffDelay)
			continue
		}
		o.succeeded(l)
		o.metrics.RecordFrames(ctx, l.dir.String(), frame.Frames())
	}
}

// nextPlayback asks the PCM supplier, then the packet supplier, for audio.
// ok is false when neither has anything.
func (o *Orchestrator) nextPlayback(ctx context.Context, c *components) (frame audio.PCMFrame, ok bool) {
	supply, supplyPacket := o.playbackCallbacks()
	if supply == nil && supplyPacket == nil {
		return audio.PCMFrame{}, false
	}
	start := time.Now()
	defer func() { o.metrics.RecordCallback(ctx, "playback", time.Since(start)) }()

	if supply != nil {
		frame = audio.PCMFrame{Format: c.io.PlaybackFormat()}
		supply(&frame)
		if !frame.Empty() {
			return frame, true
		}
	}
	if supplyPacket == nil {
		return audio.PCMFrame{}, false
	}
	p := supplyPacket()
	if p.Empty() {
		return audio.PCMFrame{}, false
	}
	frame, err := c.dec.Decode(p)
	if err != nil {
		o.metrics.RecordCodecError(ctx, "decode")
		o.logger.Debug("decode failed", "bytes", p.Len(), "err", err)
		return audio.PCMFrame{}, false
	}
	o.metrics.RecordPacket(ctx, "decode", p.Len())
	return frame, !frame.Empty()
}

// ─── Failure handling ────────────────────────────────────────────────────────

func (o *Orchestrator) succeeded(l *loop) {
	if l.failures > 0 {
		o.logger.Info("audio I/O recovered", "direction", l.dir, "failed_cycles", l.failures)
		l.failures = 0
	}
	if l.breaker != nil {
		l.breaker.Success()
	}
}

// failed records a failed cycle and, when the breaker says so, reopens the
// direction. It reports whether a reopen succeeded.
func (o *Orchestrator) failed(ctx context.Context, c *components, l *loop, err error) bool {
	l.failures++
	o.metrics.RecordIOFailure(ctx, l.dir.String())
	if l.failures == 1 {
		o.logger.Warn("audio I/O failed", "direction", l.dir, "err", err)
	} else {
		o.logger.Debug("audio I/O failed", "direction", l.dir, "failed_cycles", l.failures, "err", err)
	}
	if l.breaker == nil {
		return false
	}

	attempted, rerr := l.breaker.Failure(func() error { return o.reopen(c, l.dir) })
	if !attempted {
		return false
	}
	if rerr != nil {
		o.metrics.RecordReopen(ctx, l.dir.String(), "error")
		return false
	}
	o.metrics.RecordReopen(ctx, l.dir.String(), "ok")
	return true
}

// reopen replaces the direction's stream, resets the matching codec to the
// newly negotiated format and restarts the stream.
func (o *Orchestrator) reopen(c *components, dir device.Direction) error {
	if err := c.io.Reopen(dir); err != nil {
		return err
	}
	if dir == device.Capture {
		f := c.io.CaptureFormat()
		if err := c.enc.Reset(f, o.cfg.Bitrate); err != nil {
			return fmt.Errorf("pipeline: reset encoder for %v: %w", f, err)
		}
		return c.io.StartCapture()
	}
	f := c.io.PlaybackFormat()
	if err := c.dec.Reset(f); err != nil {
		return fmt.Errorf("pipeline: reset decoder for %v: %w", f, err)
	}
	return c.io.StartPlayback()
}

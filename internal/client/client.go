// Package client keeps one device following a master's timeline: it joins a
// session, prepares the player against the master's file server, obeys
// scheduled playback commands and continuously corrects drift.
package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferngale/syncroom/internal/drift"
	"github.com/ferngale/syncroom/internal/player"
	"github.com/ferngale/syncroom/internal/protocol"
	"github.com/ferngale/syncroom/internal/transport"
)

// Config carries the coordinator tunables. Intervals default to production
// values; tests shrink them.
type Config struct {
	DeviceName string
	Player     player.Player

	// StatusInterval paces periodic status reports to the master.
	StatusInterval time.Duration
	// DriftInterval paces drift sampling while playing.
	DriftInterval time.Duration
	// BufferPollInterval paces readiness polling after Prepare.
	BufferPollInterval time.Duration
	// BufferTimeout bounds the buffering wait; on expiry the client reports
	// ready anyway rather than stalling the whole session.
	BufferTimeout time.Duration
	// TimeSyncProbes is how many clock-offset round trips Join attempts.
	TimeSyncProbes int

	Corrector *drift.Corrector
}

func (c Config) withDefaults() Config {
	if c.StatusInterval <= 0 {
		c.StatusInterval = 5 * time.Second
	}
	if c.DriftInterval <= 0 {
		c.DriftInterval = 1 * time.Second
	}
	if c.BufferPollInterval <= 0 {
		c.BufferPollInterval = 500 * time.Millisecond
	}
	if c.BufferTimeout <= 0 {
		c.BufferTimeout = 30 * time.Second
	}
	if c.TimeSyncProbes <= 0 {
		c.TimeSyncProbes = 3
	}
	if c.Corrector == nil {
		c.Corrector = drift.NewCorrector()
	}
	if c.DeviceName == "" {
		c.DeviceName = "syncroom-client"
	}
	return c
}

type syncSample struct {
	echo     int64 // the Timestamp we sent
	masterTS int64 // master clock at reply
	recvedAt int64 // local clock at receipt
}

// Coordinator is the client-side session driver. Build one per join.
type Coordinator struct {
	cfg Config
	id  string

	mu          sync.Mutex
	conn        *transport.Client
	joined      bool
	ready       bool
	videoURL    string
	clockOffset int64 // master clock minus local clock
	ref         drift.Reference
	haveRef     bool
	masterPause bool

	syncSamples chan syncSample
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New builds an unjoined coordinator with a fresh client id.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:         cfg.withDefaults(),
		id:          "client-" + uuid.NewString()[:8],
		syncSamples: make(chan syncSample, 8),
	}
}

// ID returns the client id used in status reports. Stable for the session.
func (c *Coordinator) ID() string { return c.id }

// Ready reports whether the client has told the master it is ready.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ClockOffset returns the measured master-minus-local clock offset in
// milliseconds. Zero when the probe got no answer.
func (c *Coordinator) ClockOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockOffset
}

// Join connects to the command channel, measures the clock offset, prepares
// the player against videoURL and waits for enough buffer before reporting
// ready. Any failure tears down what was built and is returned synchronously;
// after a successful Join the reconnect loop owns channel failures.
func (c *Coordinator) Join(ctx context.Context, videoURL, commandURL string) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return fmt.Errorf("client: already joined")
	}
	c.joined = true
	c.videoURL = videoURL
	c.mu.Unlock()

	conn, err := transport.Dial(ctx, commandURL)
	if err != nil {
		c.mu.Lock()
		c.joined = false
		c.mu.Unlock()
		return fmt.Errorf("client: join: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx, conn)

	c.measureClockOffset(ctx, conn)

	if err := c.cfg.Player.Prepare(videoURL, 0); err != nil {
		c.teardown()
		return fmt.Errorf("client: prepare %s: %w", videoURL, err)
	}

	c.waitForBuffer(ctx)
	if err := ctx.Err(); err != nil {
		// Only the buffer timeout degrades to proceed-with-warning; a caller
		// cancellation is a failed join.
		c.teardown()
		return fmt.Errorf("client: join cancelled: %w", err)
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.sendStatus(conn)

	log.Printf("level=info msg=\"joined session\" client=%s video=%s offset=%dms", c.id, videoURL, c.ClockOffset())
	return nil
}

// Leave permanently detaches from the session. Safe to call twice.
func (c *Coordinator) Leave() {
	c.teardown()
	if p := c.cfg.Player; p != nil {
		_ = p.Pause()
	}
	log.Printf("level=info msg=\"left session\" client=%s", c.id)
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	c.joined = false
	c.ready = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Disconnect()
	}
	c.wg.Wait()
}

// SendPlay asks the master to resume playback. The request is not applied
// locally; the master resolves it and the scheduled command comes back on the
// channel like any other.
func (c *Coordinator) SendPlay() error {
	return c.sendCommand(&protocol.Command{
		Action:    protocol.ActionPlay,
		Timestamp: protocol.NowMillis(),
		SenderID:  c.id,
	})
}

// SendPause asks the master to pause everyone.
func (c *Coordinator) SendPause() error {
	return c.sendCommand(&protocol.Command{
		Action:    protocol.ActionPause,
		Timestamp: protocol.NowMillis(),
		SenderID:  c.id,
	})
}

// SendSeek asks the master to move everyone to position.
func (c *Coordinator) SendSeek(position int64) error {
	return c.sendCommand(&protocol.Command{
		Action:       protocol.ActionSeek,
		Timestamp:    protocol.NowMillis(),
		SenderID:     c.id,
		SeekPosition: position,
	})
}

func (c *Coordinator) sendCommand(cmd *protocol.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not joined")
	}
	return conn.Send(cmd)
}

// measureClockOffset runs a few timeSync round trips and keeps the sample
// with the smallest round-trip time, the one least distorted by queueing. A
// master that never answers leaves the offset at zero; on a LAN with sane
// clocks that degrades to the raw-timestamp behavior.
func (c *Coordinator) measureClockOffset(ctx context.Context, conn *transport.Client) {
	var (
		bestRTT    int64 = -1
		bestOffset int64
	)
	for i := 0; i < c.cfg.TimeSyncProbes; i++ {
		sent := protocol.NowMillis()
		err := conn.Send(&protocol.Command{
			Action:    protocol.ActionTimeSync,
			Timestamp: sent,
			SenderID:  c.id,
		})
		if err != nil {
			break
		}

		timer := time.NewTimer(500 * time.Millisecond)
	recv:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				break recv
			case s := <-c.syncSamples:
				if s.echo != sent {
					continue // stale reply from an earlier probe
				}
				timer.Stop()
				rtt := s.recvedAt - sent
				if rtt < 0 {
					break recv
				}
				offset := s.masterTS + rtt/2 - s.recvedAt
				if bestRTT < 0 || rtt < bestRTT {
					bestRTT = rtt
					bestOffset = offset
				}
				break recv
			}
		}
	}

	if bestRTT < 0 {
		log.Printf("level=warn msg=\"clock offset probe got no reply, assuming synchronized clocks\" client=%s", c.id)
		return
	}
	c.mu.Lock()
	c.clockOffset = bestOffset
	c.mu.Unlock()
	log.Printf("level=info msg=\"clock offset measured\" client=%s offset=%dms rtt=%dms", c.id, bestOffset, bestRTT)
}

// waitForBuffer polls the player until it has enough runway to start. The
// timeout converts a stuck buffer into a warning instead of a wedged session.
func (c *Coordinator) waitForBuffer(ctx context.Context) {
	deadline := time.NewTimer(c.cfg.BufferTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.BufferPollInterval)
	defer tick.Stop()

	for {
		if c.cfg.Player.ReadyToPlay() || c.cfg.Player.BufferPercentage() >= 10 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Printf("level=warn msg=\"buffer timeout, reporting ready anyway\" client=%s buffer=%d%%", c.id, c.cfg.Player.BufferPercentage())
			return
		case <-tick.C:
		}
	}
}

// masterNow maps the local clock into the master's clock domain.
func (c *Coordinator) masterNow() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UnixMilli() + c.clockOffset
}

// run is the single goroutine that mutates playback state: it serializes
// channel events, the status ticker, the drift ticker and the scheduled-start
// timer so commands cannot race each other.
func (c *Coordinator) run(ctx context.Context, conn *transport.Client) {
	defer c.wg.Done()

	statusTick := time.NewTicker(c.cfg.StatusInterval)
	defer statusTick.Stop()
	driftTick := time.NewTicker(c.cfg.DriftInterval)
	defer driftTick.Stop()

	var (
		startTimer *time.Timer
		startC     <-chan time.Time
		pending    *protocol.Command
	)
	stopStartTimer := func() {
		if startTimer != nil {
			startTimer.Stop()
			startTimer = nil
			startC = nil
			pending = nil
		}
	}
	defer stopStartTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-conn.Events():
			switch ev.Kind {
			case transport.ClientConnected:
				// Also fires after a reconnect: report in immediately so the
				// master re-adds us to its tables without waiting a tick.
				c.sendStatus(conn)
			case transport.ClientDisconnected:
				// The transport reconnect loop owns recovery.
			case transport.ClientCommand:
				c.handleCommand(ctx, conn, ev.Command, stopStartTimer, func(cmd *protocol.Command, delay time.Duration) {
					stopStartTimer()
					pending = cmd
					startTimer = time.NewTimer(delay)
					startC = startTimer.C
				})
			}

		case <-startC:
			cmd := pending
			startTimer, startC, pending = nil, nil, nil
			if cmd != nil {
				c.applyStart(cmd, 0)
			}

		case <-statusTick.C:
			c.sendStatus(conn)

		case <-driftTick.C:
			c.correctDrift()
		}
	}
}

// handleCommand applies one master command. schedule arms the start timer in
// the run loop's locals; stopTimer cancels it, since any newer command
// supersedes a pending scheduled start. ctx is the run context; slow work
// forked off the loop hangs its cancellation on it.
func (c *Coordinator) handleCommand(ctx context.Context, conn *transport.Client, cmd *protocol.Command, stopTimer func(), schedule func(*protocol.Command, time.Duration)) {
	switch cmd.Action {
	case protocol.ActionStart, protocol.ActionPlay:
		c.mu.Lock()
		c.masterPause = false
		c.mu.Unlock()

		delay := time.Duration(cmd.TargetStartTime-c.masterNow()) * time.Millisecond
		if delay > 0 {
			schedule(cmd, delay)
			return
		}
		// The scheduled instant already passed; start now, compensating the
		// position for the lateness so we land on the master's timeline.
		stopTimer()
		c.applyStart(cmd, -delay)

	case protocol.ActionPause:
		stopTimer()
		c.mu.Lock()
		c.masterPause = true
		c.ref = drift.Reference{Position: cmd.VideoPosition, At: time.Now(), Playing: false}
		c.haveRef = true
		c.mu.Unlock()
		if err := c.cfg.Player.Pause(); err != nil {
			log.Printf("level=warn msg=\"pause failed\" client=%s err=%v", c.id, err)
		}
		_ = c.cfg.Player.SetPlaybackSpeed(1.0)

	case protocol.ActionSeek:
		stopTimer()
		c.mu.Lock()
		playing := !c.masterPause
		c.ref = drift.Reference{Position: cmd.SeekPosition, At: time.Now(), Playing: playing}
		c.haveRef = true
		c.mu.Unlock()
		if err := c.cfg.Player.SeekTo(cmd.SeekPosition); err != nil {
			log.Printf("level=warn msg=\"seek failed\" client=%s err=%v", c.id, err)
		}

	case protocol.ActionLoad:
		stopTimer()
		c.mu.Lock()
		url := c.videoURL
		c.ready = false
		c.haveRef = false
		c.mu.Unlock()
		if err := c.cfg.Player.Prepare(url, cmd.VideoPosition); err != nil {
			log.Printf("level=error msg=\"load failed\" client=%s err=%v", c.id, err)
			return
		}
		// The re-buffer wait runs off the event loop so commands, status
		// ticks and drift ticks keep flowing, and Leave cancels it via ctx.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.waitForBuffer(ctx)
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
			c.sendStatus(conn)
		}()

	case protocol.ActionSyncCheck:
		c.sendStatus(conn)

	case protocol.ActionTimeSync:
		select {
		case c.syncSamples <- syncSample{
			echo:     cmd.EchoTimestamp,
			masterTS: cmd.Timestamp,
			recvedAt: protocol.NowMillis(),
		}:
		default:
		}

	default:
		log.Printf("level=warn msg=\"ignoring unknown action\" client=%s action=%s", c.id, cmd.Action)
	}
}

// applyStart seeks to the commanded position (plus any lateness) and starts
// playback, resetting the drift reference to the new timeline.
func (c *Coordinator) applyStart(cmd *protocol.Command, late time.Duration) {
	position := cmd.VideoPosition + late.Milliseconds()

	if err := c.cfg.Player.SeekTo(position); err != nil {
		log.Printf("level=warn msg=\"start seek failed\" client=%s err=%v", c.id, err)
	}
	_ = c.cfg.Player.SetPlaybackSpeed(1.0)
	if err := c.cfg.Player.Play(); err != nil {
		log.Printf("level=warn msg=\"play failed\" client=%s err=%v", c.id, err)
		return
	}

	c.mu.Lock()
	c.ref = drift.Reference{Position: position, At: time.Now(), Playing: true}
	c.haveRef = true
	c.mu.Unlock()
}

// correctDrift samples the player against the drift reference and applies the
// corrector's decision: nothing inside the tolerance band, a bounded speed
// nudge for small drift, a seek beyond the threshold.
func (c *Coordinator) correctDrift() {
	c.mu.Lock()
	ref := c.ref
	ok := c.haveRef && !c.masterPause
	c.mu.Unlock()
	if !ok || !c.cfg.Player.IsPlaying() {
		return
	}

	now := time.Now()
	d := drift.Compute(c.cfg.Player.Position(), ref, now)
	rate, seek := c.cfg.Corrector.Decide(d)
	if seek {
		expected := drift.Expected(ref, now)
		log.Printf("level=info msg=\"drift beyond threshold, seeking\" client=%s drift=%dms target=%dms", c.id, d, expected)
		if err := c.cfg.Player.SeekTo(expected); err != nil {
			log.Printf("level=warn msg=\"drift seek failed\" client=%s err=%v", c.id, err)
		}
		_ = c.cfg.Player.SetPlaybackSpeed(1.0)
		return
	}
	if err := c.cfg.Player.SetPlaybackSpeed(rate); err != nil {
		log.Printf("level=warn msg=\"rate change failed\" client=%s err=%v", c.id, err)
	}
}

// sendStatus pushes one status report. Failures are expected while the
// channel is down; the reconnect loop, not the caller, handles recovery.
func (c *Coordinator) sendStatus(conn *transport.Client) {
	p := c.cfg.Player

	c.mu.Lock()
	ref := c.ref
	haveRef := c.haveRef
	ready := c.ready
	c.mu.Unlock()

	var d int64
	if haveRef {
		d = drift.Compute(p.Position(), ref, time.Now())
	}

	err := conn.Send(&protocol.Response{
		ClientID:         c.id,
		VideoPosition:    p.Position(),
		IsPlaying:        p.IsPlaying(),
		Drift:            d,
		BufferPercentage: p.BufferPercentage(),
		IsReady:          ready,
		Timestamp:        protocol.NowMillis(),
	})
	if err != nil {
		log.Printf("level=debug msg=\"status send failed, channel down\" client=%s err=%v", c.id, err)
	}
}

// Package master owns a hosting session: the command channel listener, the
// data-plane registration, the connected-client readiness set and every
// outbound scheduling decision. One coordinator is built per session and
// discarded on stop; there is no process-wide instance.
package master

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferngale/syncroom/internal/discovery"
	"github.com/ferngale/syncroom/internal/media"
	"github.com/ferngale/syncroom/internal/player"
	"github.com/ferngale/syncroom/internal/protocol"
	"github.com/ferngale/syncroom/internal/transport"
)

// State is the coordinator lifecycle. Error is recoverable: a later
// StartSession attempt runs the full startup again.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateError
)

// Session is the host-side session record. Transient: cleared on stop.
type Session struct {
	ID          string
	PinCode     string
	MovieID     string
	VideoPath   string
	CommandPort int
	DataPort    int
	CreatedAt   time.Time
}

// SessionInfo is what StartSession hands back to the caller.
type SessionInfo struct {
	SessionID   string
	PinCode     string
	CommandPort int
	DataPort    int
}

// EventKind classifies coordinator events.
type EventKind int

const (
	// ClientJoined fires on the first status report from a new client.
	ClientJoined EventKind = iota
	// ClientLeft fires when a client's connection drops.
	ClientLeft
	// ClientReadyChanged fires whenever a report flips readiness.
	ClientReadyChanged
	// ClientCommandReceived fires for play/pause/seek requests from clients,
	// after the coordinator has resolved and rebroadcast them.
	ClientCommandReceived
)

// Event is the typed notification stream for the owning application,
// replacing listener callbacks.
type Event struct {
	Kind     EventKind
	ClientID string
	Ready    bool
	Command  *protocol.Command
}

// Config carries the coordinator tunables.
type Config struct {
	DeviceName string
	Player     player.Player

	// PredictiveDelay is how far in the future broadcastStart/broadcastPlay
	// schedule playback. Small values only work on very low-latency LANs.
	PredictiveDelay time.Duration

	CommandAddr string
	DataAddr    string

	// Advertise controls mDNS publication; tests on multicast-less hosts
	// disable it.
	Advertise bool
}

func (c Config) withDefaults() Config {
	if c.PredictiveDelay <= 0 {
		c.PredictiveDelay = 300 * time.Millisecond
	}
	if c.CommandAddr == "" {
		c.CommandAddr = ":0"
	}
	if c.DataAddr == "" {
		c.DataAddr = ":0"
	}
	if c.DeviceName == "" {
		c.DeviceName = "syncroom-host"
	}
	return c
}

type clientState struct {
	connID   string
	clientID string
	ready    bool
	last     protocol.Response
}

// Coordinator runs one hosting session at a time.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	state   State
	session *Session
	clients map[string]*clientState // keyed by connection id

	hub     *transport.Hub
	cmdSrv  *transport.Server
	dataSrv *media.Server
	adv     *discovery.Advertiser

	startTimer *time.Timer

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an idle coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		clients: make(map[string]*clientState),
		events:  make(chan Event, 64),
	}
}

// Events returns the coordinator's notification stream. Never closed.
func (m *Coordinator) Events() <-chan Event { return m.events }

// State returns the current lifecycle state.
func (m *Coordinator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the active session record, if any.
func (m *Coordinator) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// StartSession opens both listeners, registers the video for byte-range
// serving and advertises the session. Idempotent no-op while a session is
// active. Bind and registration failures surface synchronously and leave the
// coordinator in StateError; retrying StartSession is the recovery path.
func (m *Coordinator) StartSession(videoPath, movieID string) (SessionInfo, error) {
	m.mu.Lock()
	switch m.state {
	case StateActive:
		info := SessionInfo{
			SessionID:   m.session.ID,
			PinCode:     m.session.PinCode,
			CommandPort: m.session.CommandPort,
			DataPort:    m.session.DataPort,
		}
		m.mu.Unlock()
		return info, nil
	case StateStarting:
		// A concurrent start is already binding listeners; a second one
		// would leak them.
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("master: session start already in progress")
	}
	m.state = StateStarting
	m.mu.Unlock()

	dataSrv := media.NewServer()
	if err := dataSrv.Start(m.cfg.DataAddr); err != nil {
		m.fail()
		return SessionInfo{}, fmt.Errorf("master: data listener: %w", err)
	}
	if err := dataSrv.Register(movieID, videoPath); err != nil {
		_ = dataSrv.Close()
		m.fail()
		return SessionInfo{}, fmt.Errorf("master: video registration: %w", err)
	}

	hub := transport.NewHub()
	cmdSrv := transport.NewServer(hub)
	if err := cmdSrv.Start(m.cfg.CommandAddr); err != nil {
		_ = dataSrv.Close()
		m.fail()
		return SessionInfo{}, fmt.Errorf("master: command listener: %w", err)
	}

	session := &Session{
		ID:          uuid.NewString(),
		PinCode:     generatePin(),
		MovieID:     movieID,
		VideoPath:   videoPath,
		CommandPort: cmdSrv.Port(),
		DataPort:    dataSrv.Port(),
		CreatedAt:   time.Now(),
	}

	var adv *discovery.Advertiser
	if m.cfg.Advertise {
		var err error
		adv, err = discovery.Advertise(discovery.Service{
			PinCode:     session.PinCode,
			DataPort:    session.DataPort,
			CommandPort: session.CommandPort,
			DeviceName:  m.cfg.DeviceName,
			MovieID:     session.MovieID,
		})
		if err != nil {
			// The session still works for clients with manual endpoints.
			log.Printf("level=warn msg=\"mdns advertise failed\" err=%v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.session = session
	m.hub = hub
	m.cmdSrv = cmdSrv
	m.dataSrv = dataSrv
	m.adv = adv
	m.clients = make(map[string]*clientState)
	m.cancel = cancel
	m.state = StateActive
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, hub)

	log.Printf("level=info msg=\"session started\" session=%s pin=%s cmdPort=%d dataPort=%d movie=%s",
		session.ID, session.PinCode, session.CommandPort, session.DataPort, movieID)

	return SessionInfo{
		SessionID:   session.ID,
		PinCode:     session.PinCode,
		CommandPort: session.CommandPort,
		DataPort:    session.DataPort,
	}, nil
}

// StopSession tears the session down: advertisement withdrawn, listeners
// closed, client state cleared. Always succeeds; safe when not active.
func (m *Coordinator) StopSession() {
	m.mu.Lock()
	if m.state != StateActive && m.state != StateStarting {
		m.state = StateIdle
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	adv := m.adv
	cmdSrv := m.cmdSrv
	dataSrv := m.dataSrv
	session := m.session
	timer := m.startTimer

	m.cancel = nil
	m.adv = nil
	m.cmdSrv = nil
	m.dataSrv = nil
	m.hub = nil
	m.session = nil
	m.startTimer = nil
	m.clients = make(map[string]*clientState)
	m.state = StateIdle
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	adv.Shutdown()
	if cmdSrv != nil {
		cmdSrv.Close()
	}
	if dataSrv != nil {
		if session != nil {
			dataSrv.Unregister(session.MovieID)
		}
		_ = dataSrv.Close()
	}
	m.wg.Wait()
	log.Printf("level=info msg=\"session stopped\"")
}

func (m *Coordinator) fail() {
	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()
}

// BroadcastStart schedules synchronized playback from position: every client
// (and the master's own player) begins at now + PredictiveDelay. Blocking
// I/O per client; do not call from a latency-sensitive path.
func (m *Coordinator) BroadcastStart(position int64) {
	m.broadcastScheduled(protocol.ActionStart, position)
}

// BroadcastPlay resumes synchronized playback from position with the same
// predictive scheduling as BroadcastStart.
func (m *Coordinator) BroadcastPlay(position int64) {
	m.broadcastScheduled(protocol.ActionPlay, position)
}

func (m *Coordinator) broadcastScheduled(action protocol.Action, position int64) {
	hub := m.currentHub()
	if hub == nil {
		return
	}

	delay := m.cfg.PredictiveDelay
	target := time.Now().Add(delay).UnixMilli()

	hub.Broadcast(&protocol.Command{
		Action:          action,
		Timestamp:       protocol.NowMillis(),
		SenderID:        m.cfg.DeviceName,
		VideoPosition:   position,
		TargetStartTime: target,
	})

	// The master joins its own schedule.
	timer := time.AfterFunc(delay, func() {
		if p := m.cfg.Player; p != nil {
			if err := p.SeekTo(position); err != nil {
				log.Printf("level=warn msg=\"local seek failed\" err=%v", err)
			}
			if err := p.Play(); err != nil {
				log.Printf("level=warn msg=\"local play failed\" err=%v", err)
			}
		}
	})

	m.mu.Lock()
	if m.startTimer != nil {
		m.startTimer.Stop()
	}
	m.startTimer = timer
	m.mu.Unlock()
}

// BroadcastPause pauses everyone immediately; pause correctness does not
// depend on a shared start instant.
func (m *Coordinator) BroadcastPause() {
	hub := m.currentHub()
	if hub == nil {
		return
	}
	var position int64
	if p := m.cfg.Player; p != nil {
		_ = p.Pause()
		position = p.Position()
	}
	hub.Broadcast(&protocol.Command{
		Action:        protocol.ActionPause,
		Timestamp:     protocol.NowMillis(),
		SenderID:      m.cfg.DeviceName,
		VideoPosition: position,
	})
}

// BroadcastSeek moves everyone to position immediately.
func (m *Coordinator) BroadcastSeek(position int64) {
	hub := m.currentHub()
	if hub == nil {
		return
	}
	if p := m.cfg.Player; p != nil {
		if err := p.SeekTo(position); err != nil {
			log.Printf("level=warn msg=\"local seek failed\" err=%v", err)
		}
	}
	hub.Broadcast(&protocol.Command{
		Action:        protocol.ActionSeek,
		Timestamp:     protocol.NowMillis(),
		SenderID:      m.cfg.DeviceName,
		SeekPosition:  position,
		VideoPosition: position,
	})
}

// RequestSyncCheck asks every client for an immediate status report.
func (m *Coordinator) RequestSyncCheck() {
	hub := m.currentHub()
	if hub == nil {
		return
	}
	hub.Broadcast(&protocol.Command{
		Action:    protocol.ActionSyncCheck,
		Timestamp: protocol.NowMillis(),
		SenderID:  m.cfg.DeviceName,
	})
}

// WaitForClientsReady polls until every connected client reports ready (and
// at least one is connected) or the timeout elapses.
func (m *Coordinator) WaitForClientsReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		connected, ready := m.counts()
		if connected > 0 && ready == connected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// ReadyClients returns the ids in the ready-set.
func (m *Coordinator) ReadyClients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.clients {
		if c.ready && c.clientID != "" {
			out = append(out, c.clientID)
		}
	}
	return out
}

// ClientCount returns the number of open client connections.
func (m *Coordinator) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// LastResponse returns the latest status report for a client id.
func (m *Coordinator) LastResponse(clientID string) (protocol.Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.clientID == clientID {
			return c.last, true
		}
	}
	return protocol.Response{}, false
}

func (m *Coordinator) counts() (connected, ready int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		connected++
		if c.ready {
			ready++
		}
	}
	return connected, ready
}

func (m *Coordinator) currentHub() *transport.Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub
}

// run consumes hub events. It is the single writer of the client table, so
// updates from many client streams cannot race each other.
func (m *Coordinator) run(ctx context.Context, hub *transport.Hub) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-hub.Events():
			switch ev.Kind {
			case transport.EventConnected:
				m.mu.Lock()
				m.clients[ev.ConnID] = &clientState{connID: ev.ConnID}
				m.mu.Unlock()
			case transport.EventDisconnected:
				m.mu.Lock()
				c := m.clients[ev.ConnID]
				delete(m.clients, ev.ConnID)
				m.mu.Unlock()
				if c != nil && c.clientID != "" {
					log.Printf("level=info msg=\"client disconnected\" client=%s", c.clientID)
					m.emit(Event{Kind: ClientLeft, ClientID: c.clientID})
				}
			case transport.EventResponse:
				m.handleResponse(ev.ConnID, ev.Response)
			case transport.EventCommand:
				m.handleClientCommand(hub, ev.ConnID, ev.Command)
			}
		}
	}
}

// handleResponse updates the response table and the ready-set. Membership
// follows the latest report exactly: a non-ready report removes the client
// at once. Readiness never auto-starts playback; starting stays an explicit
// master action.
func (m *Coordinator) handleResponse(connID string, resp *protocol.Response) {
	m.mu.Lock()
	c, ok := m.clients[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	joined := c.clientID == "" && resp.ClientID != ""
	readyChanged := c.ready != resp.IsReady
	c.clientID = resp.ClientID
	c.last = *resp
	c.ready = resp.IsReady
	m.mu.Unlock()

	if joined {
		log.Printf("level=info msg=\"client joined\" client=%s", resp.ClientID)
		m.emit(Event{Kind: ClientJoined, ClientID: resp.ClientID})
	}
	if readyChanged {
		m.emit(Event{Kind: ClientReadyChanged, ClientID: resp.ClientID, Ready: resp.IsReady})
	}
}

// handleClientCommand applies master authority to requests from clients. A
// client play is not rebroadcast verbatim: it is resolved against the
// master's own position so every participant converges on the master's
// timeline. Pause and seek apply to the master's player and go out
// immediately.
func (m *Coordinator) handleClientCommand(hub *transport.Hub, connID string, cmd *protocol.Command) {
	switch cmd.Action {
	case protocol.ActionTimeSync:
		err := hub.Send(connID, &protocol.Command{
			Action:        protocol.ActionTimeSync,
			Timestamp:     protocol.NowMillis(),
			SenderID:      m.cfg.DeviceName,
			EchoTimestamp: cmd.Timestamp,
		})
		if err != nil {
			log.Printf("level=warn msg=\"timeSync reply failed\" conn=%s err=%v", connID, err)
		}
		return
	case protocol.ActionPlay:
		var position int64
		if p := m.cfg.Player; p != nil {
			position = p.Position()
		}
		m.BroadcastPlay(position)
	case protocol.ActionPause:
		m.BroadcastPause()
	case protocol.ActionSeek:
		m.BroadcastSeek(cmd.SeekPosition)
	default:
		log.Printf("level=warn msg=\"ignoring unknown client action\" action=%s sender=%s", cmd.Action, cmd.SenderID)
		return
	}
	m.emit(Event{Kind: ClientCommandReceived, ClientID: cmd.SenderID, Command: cmd})
}

func (m *Coordinator) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("level=warn msg=\"master event dropped, consumer too slow\" kind=%d", ev.Kind)
	}
}

// generatePin returns the 4-digit pairing code shown on the host's screen.
func generatePin() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// Clock fallback keeps hosting usable; the pin is not a secret of
		// cryptographic strength to begin with.
		return fmt.Sprintf("%04d", time.Now().UnixNano()%10000)
	}
	return fmt.Sprintf("%04d", n.Int64())
}

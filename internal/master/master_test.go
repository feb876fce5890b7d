package master

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ferngale/syncroom/internal/player"
	"github.com/ferngale/syncroom/internal/protocol"
	"github.com/ferngale/syncroom/internal/transport"
)

func writeVideoFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func startTestMaster(t *testing.T, p player.Player) (*Coordinator, SessionInfo) {
	t.Helper()

	m := New(Config{
		DeviceName:      "test-host",
		Player:          p,
		PredictiveDelay: 50 * time.Millisecond,
		CommandAddr:     "127.0.0.1:0",
		DataAddr:        "127.0.0.1:0",
		Advertise:       false,
	})
	info, err := m.StartSession(writeVideoFixture(t), "movie-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	t.Cleanup(m.StopSession)
	return m, info
}

func dialTestClient(t *testing.T, info SessionInfo) *transport.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, "ws://127.0.0.1:"+strconv.Itoa(info.CommandPort)+transport.CommandPath)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func waitCommand(t *testing.T, c *transport.Client, action protocol.Action) *protocol.Command {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == transport.ClientCommand && ev.Command.Action == action {
				return ev.Command
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s command", action)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartSessionIdempotent(t *testing.T) {
	m, info := startTestMaster(t, nil)

	again, err := m.StartSession("/does/not/matter", "other")
	if err != nil {
		t.Fatalf("second StartSession() error = %v", err)
	}
	if again.SessionID != info.SessionID || again.PinCode != info.PinCode {
		t.Fatalf("second StartSession() returned a different session: %+v vs %+v", again, info)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %v, want active", m.State())
	}
}

func TestStartSessionPinFormat(t *testing.T) {
	_, info := startTestMaster(t, nil)

	if len(info.PinCode) != 4 {
		t.Fatalf("pin = %q, want 4 digits", info.PinCode)
	}
	for _, r := range info.PinCode {
		if r < '0' || r > '9' {
			t.Fatalf("pin = %q, want digits only", info.PinCode)
		}
	}
	if info.CommandPort == 0 || info.DataPort == 0 {
		t.Fatalf("ports not bound: %+v", info)
	}
}

func TestStartSessionBindFailureIsRecoverable(t *testing.T) {
	// Occupy a port so the data listener cannot bind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	m := New(Config{
		CommandAddr: "127.0.0.1:0",
		DataAddr:    ln.Addr().String(),
		Advertise:   false,
	})
	if _, err := m.StartSession(writeVideoFixture(t), "movie-1"); err == nil {
		t.Fatalf("StartSession() on an occupied port expected error")
	}
	if m.State() != StateError {
		t.Fatalf("state = %v, want error", m.State())
	}

	// A retry with a free port recovers.
	m.cfg.DataAddr = "127.0.0.1:0"
	if _, err := m.StartSession(writeVideoFixture(t), "movie-1"); err != nil {
		t.Fatalf("retry StartSession() error = %v", err)
	}
	t.Cleanup(m.StopSession)
	if m.State() != StateActive {
		t.Fatalf("state after retry = %v, want active", m.State())
	}
}

func TestStartSessionRejectsConcurrentStart(t *testing.T) {
	m := New(Config{CommandAddr: "127.0.0.1:0", DataAddr: "127.0.0.1:0", Advertise: false})
	m.mu.Lock()
	m.state = StateStarting
	m.mu.Unlock()

	if _, err := m.StartSession(writeVideoFixture(t), "movie-1"); err == nil {
		t.Fatalf("StartSession() during an in-flight start expected error")
	}

	// Once the in-flight starter has released the state, starting works.
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	if _, err := m.StartSession(writeVideoFixture(t), "movie-1"); err != nil {
		t.Fatalf("StartSession() after idle error = %v", err)
	}
	t.Cleanup(m.StopSession)
}

func TestStartSessionMissingVideo(t *testing.T) {
	m := New(Config{CommandAddr: "127.0.0.1:0", DataAddr: "127.0.0.1:0", Advertise: false})
	if _, err := m.StartSession(filepath.Join(t.TempDir(), "missing.mp4"), "movie-1"); err == nil {
		t.Fatalf("StartSession() with a missing file expected error")
	}
	if m.State() != StateError {
		t.Fatalf("state = %v, want error", m.State())
	}
}

func TestStopSessionSafeWhenIdle(t *testing.T) {
	m := New(Config{Advertise: false})
	m.StopSession()
	m.StopSession()
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want idle", m.State())
	}
}

func TestReadySetFollowsReports(t *testing.T) {
	m, info := startTestMaster(t, nil)
	c := dialTestClient(t, info)

	if err := c.Send(&protocol.Response{ClientID: "client-a", IsReady: true, Timestamp: protocol.NowMillis()}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "client-a in ready set", func() bool {
		ready := m.ReadyClients()
		return len(ready) == 1 && ready[0] == "client-a"
	})

	// A non-ready report removes the client immediately.
	if err := c.Send(&protocol.Response{ClientID: "client-a", IsReady: false, Timestamp: protocol.NowMillis()}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "ready set to empty", func() bool { return len(m.ReadyClients()) == 0 })

	if resp, ok := m.LastResponse("client-a"); !ok || resp.IsReady {
		t.Fatalf("LastResponse() = %+v, %v; want stored non-ready report", resp, ok)
	}

	// Disconnect removes the client from the table.
	c.Disconnect()
	waitFor(t, "client count to drop", func() bool { return m.ClientCount() == 0 })
}

func TestWaitForClientsReady(t *testing.T) {
	m, info := startTestMaster(t, nil)

	// No clients connected: cannot become ready.
	ctx := context.Background()
	if m.WaitForClientsReady(ctx, 300*time.Millisecond) {
		t.Fatalf("WaitForClientsReady() with no clients = true, want false")
	}

	c := dialTestClient(t, info)
	if err := c.Send(&protocol.Response{ClientID: "client-a", IsReady: true, Timestamp: protocol.NowMillis()}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !m.WaitForClientsReady(ctx, 3*time.Second) {
		t.Fatalf("WaitForClientsReady() = false, want true")
	}
}

func TestTimeSyncReply(t *testing.T) {
	_, info := startTestMaster(t, nil)
	c := dialTestClient(t, info)

	sent := protocol.NowMillis()
	if err := c.Send(&protocol.Command{Action: protocol.ActionTimeSync, Timestamp: sent, SenderID: "client-a"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reply := waitCommand(t, c, protocol.ActionTimeSync)
	if reply.EchoTimestamp != sent {
		t.Fatalf("EchoTimestamp = %d, want %d", reply.EchoTimestamp, sent)
	}
	if reply.Timestamp == 0 {
		t.Fatalf("reply carries no master timestamp")
	}
}

func TestClientPlayResolvedAgainstMasterPosition(t *testing.T) {
	sim := player.NewSim(10*60*1000, 0)
	if err := sim.Prepare("file://movie", 5000); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	_, info := startTestMaster(t, sim)
	c := dialTestClient(t, info)

	if err := c.Send(&protocol.Command{Action: protocol.ActionPlay, Timestamp: protocol.NowMillis(), SenderID: "client-a"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	cmd := waitCommand(t, c, protocol.ActionPlay)
	if cmd.VideoPosition != 5000 {
		t.Fatalf("VideoPosition = %d, want master's 5000", cmd.VideoPosition)
	}
	if cmd.TargetStartTime <= cmd.Timestamp {
		t.Fatalf("TargetStartTime %d not in the future of %d", cmd.TargetStartTime, cmd.Timestamp)
	}
}

func TestBroadcastStartSchedulesEveryone(t *testing.T) {
	sim := player.NewSim(10*60*1000, 0)
	if err := sim.Prepare("file://movie", 0); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	m, info := startTestMaster(t, sim)
	c := dialTestClient(t, info)
	waitFor(t, "connection registered", func() bool { return m.ClientCount() == 1 })

	m.BroadcastStart(1000)

	cmd := waitCommand(t, c, protocol.ActionStart)
	if cmd.VideoPosition != 1000 {
		t.Fatalf("VideoPosition = %d, want 1000", cmd.VideoPosition)
	}
	if cmd.TargetStartTime == 0 {
		t.Fatalf("start command carries no target start time")
	}

	// The master's own player starts at the scheduled instant too.
	waitFor(t, "local player to start", sim.IsPlaying)
	if pos := sim.Position(); pos < 1000 {
		t.Fatalf("local position = %d, want >= 1000", pos)
	}
}

func TestBroadcastPauseAndSeek(t *testing.T) {
	sim := player.NewSim(10*60*1000, 0)
	if err := sim.Prepare("file://movie", 0); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	m, info := startTestMaster(t, sim)
	c := dialTestClient(t, info)
	waitFor(t, "connection registered", func() bool { return m.ClientCount() == 1 })

	m.BroadcastSeek(42000)
	cmd := waitCommand(t, c, protocol.ActionSeek)
	if cmd.SeekPosition != 42000 {
		t.Fatalf("SeekPosition = %d, want 42000", cmd.SeekPosition)
	}
	if sim.Position() < 42000 {
		t.Fatalf("local player did not seek: position = %d", sim.Position())
	}

	m.BroadcastPause()
	pauseCmd := waitCommand(t, c, protocol.ActionPause)
	if sim.IsPlaying() {
		t.Fatalf("local player still playing after pause")
	}
	if pauseCmd.VideoPosition < 42000 {
		t.Fatalf("pause VideoPosition = %d, want master position", pauseCmd.VideoPosition)
	}
}

func TestUnknownClientActionIgnored(t *testing.T) {
	m, info := startTestMaster(t, nil)
	c := dialTestClient(t, info)
	waitFor(t, "connection registered", func() bool { return m.ClientCount() == 1 })

	if err := c.Send(&protocol.Command{Action: "hologram", Timestamp: protocol.NowMillis(), SenderID: "client-a"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// The channel survives: a follow-up timeSync still gets answered.
	sent := protocol.NowMillis()
	if err := c.Send(&protocol.Command{Action: protocol.ActionTimeSync, Timestamp: sent, SenderID: "client-a"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply := waitCommand(t, c, protocol.ActionTimeSync)
	if reply.EchoTimestamp != sent {
		t.Fatalf("EchoTimestamp = %d, want %d", reply.EchoTimestamp, sent)
	}
}

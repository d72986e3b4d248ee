package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/relink/internal/conn"
	"github.com/xtxerr/relink/internal/driver"
	"github.com/xtxerr/relink/internal/listener"
	"github.com/xtxerr/relink/internal/logging"
	"github.com/xtxerr/relink/internal/policy"
	"github.com/xtxerr/relink/internal/telemetry"
)

func fastPolicy() policy.Policy {
	p := policy.Default()
	p.SSID = "lab"
	p.Passphrase = "hunter22"
	p.ConnectTimeout = 80 * time.Millisecond
	p.LeaseTimeout = 60 * time.Millisecond
	p.PinnedLeaseTimeout = 200 * time.Millisecond
	p.ListenerTimeout = 100 * time.Millisecond
	p.ScanActiveMin = time.Millisecond
	p.ScanActiveMax = 5 * time.Millisecond
	p.ScanPassive = 5 * time.Millisecond
	p.Cooldown = 5 * time.Millisecond
	p.DriverRestartBackoff = 10 * time.Millisecond
	return p
}

func oneCandidate() driver.ScanOutcome {
	return driver.ScanOK(
		driver.ScanResult{BSSID: "aa:00", SSID: "lab", Channel: 1, RSSI: -40, Auth: driver.AuthWPA2},
	)
}

// startServer wires a scripted controller behind a listening server.
func startServer(t *testing.T, script driver.Script, p policy.Policy) (*Server, *conn.Machine) {
	t.Helper()
	logging.Discard()

	emit := telemetry.NewEmitter()
	m := conn.NewMachine(conn.Options{
		Radio:         driver.NewSimulator(script),
		Emitter:       emit,
		Supervisor:    listener.NewSupervisor(),
		InitialPolicy: p,
	})

	srv := New(Config{
		Machine: m,
		Emitter: emit,
		Listen:  "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		m.Run(ctx)
	}()
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		for _, done := range []chan struct{}{machineDone, serverDone} {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Error("shutdown timed out")
			}
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return srv, m
}

// console is one test control connection.
type console struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, srv *Server) *console {
	t.Helper()
	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &console{t: t, c: c, r: bufio.NewReader(c)}
}

func (cc *console) sendLine(line string) {
	cc.t.Helper()
	if _, err := cc.c.Write([]byte(line + "\n")); err != nil {
		cc.t.Fatalf("write %q: %v", line, err)
	}
}

// readLine reads one line with a deadline.
func (cc *console) readLine() string {
	cc.t.Helper()
	cc.c.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := cc.r.ReadString('\n')
	if err != nil {
		cc.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

// response reads lines until a NET OK / NET ERR arrives, skipping any
// interleaved telemetry frames.
func (cc *console) response(line string) string {
	cc.t.Helper()
	cc.sendLine(line)
	for {
		got := cc.readLine()
		if strings.HasPrefix(got, "NET OK") || strings.HasPrefix(got, "NET ERR") {
			return got
		}
	}
}

// waitState polls the controller directly, so tests do not depend on
// frame timing.
func waitState(t *testing.T, m *conn.Machine, want conn.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, at %v", want, m.Status().State)
}

func TestLifecycleCommands(t *testing.T) {
	srv, m := startServer(t, driver.Script{
		Scans:  []driver.ScanOutcome{oneCandidate()},
		Assocs: []driver.AssocOutcome{driver.AssocOK()},
		Leases: []driver.LeaseOutcome{driver.LeaseOK("192.168.4.17")},
	}, fastPolicy())
	cc := dial(t, srv)

	if got := cc.response("NET START"); got != "NET OK op=start" {
		t.Fatalf("start = %q", got)
	}
	waitState(t, m, conn.StateReady)

	if got := cc.response("NET START"); got != "NET ERR reason=already_running" {
		t.Errorf("second start = %q", got)
	}

	if got := cc.response("NET STATUS"); got != "NET OK op=status" {
		t.Fatalf("status = %q", got)
	}
	payload := cc.readLine()
	rec, ok := telemetry.DecodeStatus([]byte(payload))
	if !ok {
		t.Fatalf("status payload not a status record: %q", payload)
	}
	if rec.State != "ready" || rec.IPv4 != "192.168.4.17" {
		t.Errorf("status = %+v", rec)
	}

	if got := cc.response("NET STOP"); got != "NET OK op=stop" {
		t.Errorf("stop = %q", got)
	}
	waitState(t, m, conn.StateStopped)

	if got := cc.response("NET RECOVER"); got != "NET ERR reason=not_faulted" {
		t.Errorf("recover = %q", got)
	}
}

func TestStartWithoutCredentials(t *testing.T) {
	p := fastPolicy()
	p.SSID = ""
	p.Passphrase = ""
	srv, _ := startServer(t, driver.Script{}, p)
	cc := dial(t, srv)

	if got := cc.response("NET START"); got != "NET ERR reason=credentials_unset" {
		t.Fatalf("start = %q", got)
	}
}

func TestNetcfgRoundtrip(t *testing.T) {
	srv, m := startServer(t, driver.Script{}, fastPolicy())
	cc := dial(t, srv)

	set := `NETCFG SET {"ssid":"field-unit","password":"s3cret","policy":{"retry_same_max":4,"connect_timeout_ms":9000}}`
	if got := cc.response(set); got != "NET OK op=netcfg_set" {
		t.Fatalf("set = %q", got)
	}

	got := cc.response("NETCFG GET")
	if !strings.HasPrefix(got, "NET OK op=netcfg_get ") {
		t.Fatalf("get = %q", got)
	}
	body := strings.TrimPrefix(got, "NET OK op=netcfg_get ")
	if strings.Contains(body, "s3cret") {
		t.Fatal("snapshot leaks the passphrase")
	}
	if !strings.Contains(body, `"ssid":"field-unit"`) {
		t.Errorf("snapshot missing ssid: %s", body)
	}
	if !strings.Contains(body, `"retry_same_max":4`) {
		t.Errorf("snapshot missing override: %s", body)
	}

	if p := m.ActivePolicy(); p.ConnectTimeout != 9*time.Second {
		t.Errorf("ConnectTimeout = %v", p.ConnectTimeout)
	}
}

func TestNetcfgRejections(t *testing.T) {
	srv, _ := startServer(t, driver.Script{}, fastPolicy())
	cc := dial(t, srv)

	if got := cc.response("NETCFG SET not-json"); got != "NET ERR reason=invalid_policy" {
		t.Errorf("garbage = %q", got)
	}
	if got := cc.response(`NETCFG SET {"policy":{"connect_timeout_ms":-5}}`); got != "NET ERR reason=invalid_policy" {
		t.Errorf("negative timeout = %q", got)
	}
	if got := cc.response("NETCFG SET"); got != "NET ERR reason=invalid_policy" {
		t.Errorf("empty payload = %q", got)
	}
}

func TestNetcfgBusyWhileCycleRuns(t *testing.T) {
	p := fastPolicy()
	p.ConnectTimeout = 5 * time.Second
	srv, m := startServer(t, driver.Script{
		Scans:  []driver.ScanOutcome{oneCandidate()},
		Assocs: []driver.AssocOutcome{{Block: true}},
	}, p)
	cc := dial(t, srv)

	if got := cc.response("NET START"); got != "NET OK op=start" {
		t.Fatalf("start = %q", got)
	}
	waitState(t, m, conn.StateAssociating)

	if got := cc.response(`NETCFG SET {"ssid":"other"}`); got != "NET ERR reason=busy" {
		t.Fatalf("mid-cycle set = %q", got)
	}

	if got := cc.response("NET STOP"); got != "NET OK op=stop" {
		t.Fatalf("stop = %q", got)
	}
	waitState(t, m, conn.StateStopped)

	if got := cc.response(`NETCFG SET {"ssid":"other"}`); got != "NET OK op=netcfg_set" {
		t.Fatalf("stopped set = %q", got)
	}
}

func TestUnknownCommands(t *testing.T) {
	srv, _ := startServer(t, driver.Script{}, fastPolicy())
	cc := dial(t, srv)

	for _, line := range []string{"FOO", "NET BOUNCE", "NETCFG DELETE", "NET LISTENER MAYBE"} {
		if got := cc.response(line); got != "NET ERR reason=unknown_command" {
			t.Errorf("%q = %q", line, got)
		}
	}
}

func TestMetricsSnapshot(t *testing.T) {
	srv, m := startServer(t, driver.Script{
		Scans:  []driver.ScanOutcome{oneCandidate()},
		Assocs: []driver.AssocOutcome{driver.AssocOK()},
		Leases: []driver.LeaseOutcome{driver.LeaseOK("192.168.4.17")},
	}, fastPolicy())
	cc := dial(t, srv)

	if got := cc.response("NET START"); got != "NET OK op=start" {
		t.Fatalf("start = %q", got)
	}
	waitState(t, m, conn.StateReady)

	if got := cc.response("NET METRICS"); got != "NET OK op=metrics" {
		t.Fatalf("metrics = %q", got)
	}
	attempts := cc.readLine()
	scans := cc.readLine()
	link := cc.readLine()

	if !strings.Contains(attempts, "attempts=1") || !strings.Contains(attempts, "successes=1") {
		t.Errorf("attempts line = %q", attempts)
	}
	if !strings.Contains(scans, "scan_runs=1") || !strings.Contains(scans, "scan_hits=1") {
		t.Errorf("scan line = %q", scans)
	}
	if !strings.Contains(link, "state=ready") || !strings.Contains(link, "link=true") {
		t.Errorf("link line = %q", link)
	}
}

func TestStatsReportsStageLatencies(t *testing.T) {
	srv, m := startServer(t, driver.Script{
		Scans:  []driver.ScanOutcome{oneCandidate()},
		Assocs: []driver.AssocOutcome{driver.AssocOK()},
		Leases: []driver.LeaseOutcome{driver.LeaseOK("192.168.4.17")},
	}, fastPolicy())
	cc := dial(t, srv)

	if got := cc.response("NET START"); got != "NET OK op=start" {
		t.Fatalf("start = %q", got)
	}
	waitState(t, m, conn.StateReady)

	if got := cc.response("NET STATS"); got != "NET OK op=stats" {
		t.Fatalf("stats = %q", got)
	}
	var stages []string
	for i := 0; i < 3; i++ {
		stages = append(stages, cc.readLine())
	}
	joined := strings.Join(stages, "\n")
	for _, stage := range []string{telemetry.StageScan, telemetry.StageAssociate, telemetry.StageLease} {
		if !strings.Contains(joined, `"stage":"`+stage+`"`) {
			t.Errorf("stats missing stage %s: %s", stage, joined)
		}
	}
}

func TestFrameBroadcastToAllSessions(t *testing.T) {
	srv, m := startServer(t, driver.Script{
		Scans:  []driver.ScanOutcome{oneCandidate()},
		Assocs: []driver.AssocOutcome{driver.AssocOK()},
		Leases: []driver.LeaseOutcome{driver.LeaseOK("192.168.4.17")},
	}, fastPolicy())

	watcher := dial(t, srv)
	operator := dial(t, srv)

	// Both sessions must be registered before frames start flowing.
	deadline := time.Now().Add(2 * time.Second)
	for srv.SessionCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("sessions never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if got := operator.response("NET START"); got != "NET OK op=start" {
		t.Fatalf("start = %q", got)
	}
	waitState(t, m, conn.StateReady)

	// The passive watcher receives the full status progression.
	var states []string
	for {
		line := watcher.readLine()
		rec, ok := telemetry.DecodeStatus([]byte(line))
		if !ok {
			continue
		}
		states = append(states, rec.State)
		if rec.State == "ready" {
			break
		}
	}
	want := []string{"discovering", "associating", "acquiring_lease", "ready"}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Errorf("watcher saw %v, want %v", states, want)
	}
}

func TestListenerCommands(t *testing.T) {
	srv, m := startServer(t, driver.Script{
		Scans:  []driver.ScanOutcome{oneCandidate()},
		Assocs: []driver.AssocOutcome{driver.AssocOK()},
		Leases: []driver.LeaseOutcome{driver.LeaseOK("192.168.4.17")},
	}, fastPolicy())
	cc := dial(t, srv)

	if got := cc.response("NET START"); got != "NET OK op=start" {
		t.Fatalf("start = %q", got)
	}
	waitState(t, m, conn.StateReady)

	if got := cc.response("NET LISTENER ON"); got != "NET OK op=listener" {
		t.Errorf("listener on = %q", got)
	}
	if got := cc.response("NET LISTENER OFF"); got != "NET OK op=listener" {
		t.Errorf("listener off = %q", got)
	}
	if m.Status().State != conn.StateReady {
		t.Errorf("listener toggles changed state to %v", m.Status().State)
	}
}

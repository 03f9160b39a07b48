package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voicefeedback/internal/config"
	"voicefeedback/internal/dispatch"
	"voicefeedback/internal/journal"
	"voicefeedback/internal/observability/status"
	"voicefeedback/internal/storage"
	logx "voicefeedback/pkg/logx"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMapDispatchConfig(t *testing.T) {
	got, err := mapDispatchConfig(&config.Config{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if got.MinInterval != dispatch.DefaultMinInterval || got.RepeatInterval != dispatch.DefaultRepeatInterval {
		t.Fatalf("defaults = %+v", got)
	}
	if got.ReacquireInterval != 0 {
		t.Fatalf("reacquire = %v, want disabled", got.ReacquireInterval)
	}

	got, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{
		MinInterval:         "250ms",
		ReacquireInterval:   "30s",
		SaturationThreshold: 4,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got.MinInterval != 250*time.Millisecond || got.ReacquireInterval != 30*time.Second || got.SaturationThreshold != 4 {
		t.Fatalf("mapped = %+v", got)
	}

	if _, err := mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{SettleDelay: "soon"}}); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "omitted", in: nil},
		{name: "none", in: &config.StorageConfig{Driver: "none", Path: "x"}},
		{name: "path implies file", in: &config.StorageConfig{Path: "data/vf"}, enabled: true, driver: "file"},
		{name: "sqlite", in: &config.StorageConfig{Driver: "SQLite", Path: "vf.db", BusyTimeout: "2s"}, enabled: true, driver: "sqlite"},
		{name: "file without path", in: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis", Path: "x"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if enabled != tc.enabled || sc.Driver != tc.driver {
				t.Fatalf("got (%+v, %v)", sc, enabled)
			}
		})
	}
}

func TestMapStatusConfig(t *testing.T) {
	got, err := mapStatusConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.Addr != status.DefaultAddr || got.ReadTimeout != 5*time.Second {
		t.Fatalf("defaults = %+v", got)
	}
	if _, err := mapStatusConfig(&config.Config{Status: config.StatusConfig{Enabled: true, Addr: "0.0.0.0:6061"}}); err == nil {
		t.Fatal("expected error for public bind without token")
	}
	if _, err := mapStatusConfig(&config.Config{Status: config.StatusConfig{Enabled: true, Addr: "0.0.0.0:6061", Token: "t"}}); err != nil {
		t.Fatalf("public bind with token: %v", err)
	}
}

func TestFeedSubmitsEachLine(t *testing.T) {
	var got []string
	submit := func(s string) dispatch.Decision {
		got = append(got, s)
		if strings.TrimSpace(s) == "" {
			return dispatch.RejectEmpty
		}
		return dispatch.Admit
	}
	in := strings.NewReader("keep your back straight\n\nslow down\n")
	if err := feedLines(context.Background(), in, submit, logx.Nop()); err != nil {
		t.Fatalf("feedLines: %v", err)
	}
	want := []string{"keep your back straight", "", "slow down"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("submitted %q, want %q", got, want)
	}
}

func TestFeedStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 0
	err := feedLines(ctx, strings.NewReader("a\nb\n"), func(string) dispatch.Decision { n++; return dispatch.Admit }, logx.Nop())
	if err != context.Canceled || n != 0 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}

func TestReporterKeepsScheduleOnBadSpec(t *testing.T) {
	r := newReporter(logx.Nop(), func() {})
	if err := r.Reschedule("@every 1h"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	first := r.id
	if err := r.Reschedule("not a schedule"); err == nil {
		t.Fatal("expected parse error")
	}
	if r.id != first || r.spec != "@every 1h" {
		t.Fatalf("schedule changed after bad spec: id=%v spec=%q", r.id, r.spec)
	}
	if n := len(r.c.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}

	if err := r.Reschedule("*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	if r.id == first || len(r.c.Entries()) != 1 {
		t.Fatalf("replace failed: id=%v entries=%d", r.id, len(r.c.Entries()))
	}

	if err := r.Reschedule(""); err != nil {
		t.Fatal(err)
	}
	if r.id != 0 || len(r.c.Entries()) != 0 {
		t.Fatalf("disable failed: id=%v entries=%d", r.id, len(r.c.Entries()))
	}
	r.Stop(context.Background())
}

const appTestConfig = `
logging:
  level: error
  console: false
dispatch:
  min_interval: 10ms
  repeat_interval: 50ms
  idle_poll_interval: 10ms
  settle_delay: 1ms
  stop_grace: 1s
sink:
  driver: console
  console:
    prefix: "say: "
storage:
  driver: file
  path: %STORE%
report:
  schedule: "@every 1h"
status:
  enabled: true
  addr: 127.0.0.1:0
`

func TestAppEndToEnd(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "vf")
	cfgPath := filepath.Join(dir, "config.yaml")
	body := strings.ReplaceAll(appTestConfig, "%STORE%", prefix)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var out syncBuffer
	a, err := NewApp(cfgPath, WithConsoleOutput(&out))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Feed(context.Background(), strings.NewReader("lift your chin\n\n")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	waitFor(t, "console output", func() bool { return strings.Contains(out.String(), "say: lift your chin\n") })
	waitFor(t, "journal entry", func() bool {
		for _, e := range a.Journal().Snapshot() {
			if e.Kind == journal.KindRendered && e.Text == "lift your chin" {
				return true
			}
		}
		return false
	})
	waitFor(t, "journal write", func() bool { return a.Journal().Stats().Persisted >= 1 })

	waitFor(t, "status server", func() bool { return a.status.Addr() != "" })
	resp, err := http.Get("http://" + a.status.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var rep struct {
		Dispatch struct {
			State    string `json:"state"`
			Rendered uint64 `json:"rendered"`
		} `json:"dispatch"`
	}
	err = json.NewDecoder(resp.Body).Decode(&rep)
	resp.Body.Close()
	if err != nil || rep.Dispatch.Rendered != 1 || rep.Dispatch.State == "" {
		t.Fatalf("status = %+v (%v)", rep, err)
	}

	st := a.Dispatcher().Stats()
	if st.Submitted != 2 || st.RejectedEmpty != 1 || st.Rendered != 1 {
		t.Fatalf("stats = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if a.Dispatcher().State() != dispatch.StateStopped {
		t.Fatalf("state = %v", a.Dispatcher().State())
	}

	st2, err := storage.Open(storage.Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	got, err := st2.RecentDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "lift your chin" {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestAppWithoutConfigFile(t *testing.T) {
	t.Setenv(config.EnvPrefix+"SINK", "none")
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "error")
	a, err := NewApp("")
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if d := a.Submit("hello"); !d.Admitted() {
		t.Fatalf("decision = %v", d)
	}
	// Never started: Stop still shuts the dispatcher down.
	if err := a.Stop(context.Background(), StopEOF); err != nil {
		t.Fatal(err)
	}
	if a.Dispatcher().State() != dispatch.StateStopped {
		t.Fatalf("state = %v", a.Dispatcher().State())
	}
}

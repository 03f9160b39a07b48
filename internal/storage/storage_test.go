package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "voicefeedback/pkg/logx"
)

func openTest(t *testing.T, driver string, retention int) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := Open(Config{Driver: driver, Path: path, Retention: retention, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st, path
}

func TestStores(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st, path := openTest(t, driver, 100)

			at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				d := Delivery{
					ID:   fmt.Sprintf("id-%d", i),
					At:   at.Add(time.Duration(i) * time.Second),
					Kind: "rendered",
					Text: fmt.Sprintf("msg %d", i),
					Took: 1500 * time.Millisecond,
				}
				if i == 4 {
					d.Kind, d.Error = "render_failed", "device busy"
				}
				if err := st.AppendDelivery(ctx, d); err != nil {
					t.Fatalf("AppendDelivery: %v", err)
				}
			}

			got, err := st.RecentDeliveries(ctx, 3)
			if err != nil {
				t.Fatalf("RecentDeliveries: %v", err)
			}
			if len(got) != 3 || got[0].Text != "msg 2" || got[2].Text != "msg 4" {
				t.Fatalf("recent = %+v", got)
			}
			if got[2].Error != "device busy" || got[2].Kind != "render_failed" {
				t.Fatalf("last = %+v", got[2])
			}
			if got[0].Took != 1500*time.Millisecond || !got[0].At.Equal(at.Add(2*time.Second)) {
				t.Fatalf("first = %+v", got[0])
			}

			// Reopen: records survive.
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			st2, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			all, err := st2.RecentDeliveries(ctx, 100)
			if err != nil || len(all) != 5 {
				t.Fatalf("after reopen: %d records, err %v", len(all), err)
			}
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	ctx := context.Background()
	st, _ := openTest(t, "file", 3)
	defer st.Close()

	for i := 0; i < 10; i++ {
		if err := st.AppendDelivery(ctx, Delivery{ID: fmt.Sprint(i), Kind: "rendered", Text: fmt.Sprint(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	fs := st.(*fileStore)
	if fs.lines >= 6 {
		t.Fatalf("lines = %d, expected compaction", fs.lines)
	}
	got, _ := st.RecentDeliveries(ctx, 100)
	if len(got) == 0 || got[len(got)-1].Text != "9" {
		t.Fatalf("recent = %+v", got)
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, cfg := range []Config{{}, {Driver: "none", Path: "x"}} {
		st, err := Open(cfg, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%+v) = %v, %v; want disabled", cfg, st, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

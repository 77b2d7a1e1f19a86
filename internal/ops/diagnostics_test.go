package ops

import (
	"context"
	"testing"
)

type fakeCounter struct{ total int64 }

func (c *fakeCounter) CountEvents(ctx context.Context, kind int) (int64, error) {
	return c.total, nil
}

type fakeConnStats struct{ conns, subs int }

func (s *fakeConnStats) ConnectionCount() int   { return s.conns }
func (s *fakeConnStats) SubscriptionCount() int { return s.subs }

func TestDiagnosticsSnapshot(t *testing.T) {
	d := NewDiagnostics("1.2.3", &fakeCounter{total: 7}, &fakeConnStats{conns: 3, subs: 5})

	snap := d.Snapshot(context.Background())

	if snap.System.Version != "1.2.3" {
		t.Errorf("Version = %s", snap.System.Version)
	}
	if snap.System.GoVersion == "" || snap.System.NumGoroutines == 0 {
		t.Error("runtime stats not populated")
	}
	if snap.Relay.TotalEvents != 7 {
		t.Errorf("TotalEvents = %d, want 7", snap.Relay.TotalEvents)
	}
	if snap.Relay.OpenConnections != 3 || snap.Relay.ActiveSubscriptions != 5 {
		t.Errorf("relay stats = %+v", snap.Relay)
	}
}

func TestDiagnosticsNilStore(t *testing.T) {
	d := NewDiagnostics("dev", nil, &fakeConnStats{})

	snap := d.Snapshot(context.Background())
	if snap.Relay.TotalEvents != 0 {
		t.Errorf("TotalEvents = %d without a store", snap.Relay.TotalEvents)
	}
}

package expiry_test

import (
	"context"
	"testing"
	"time"

	"github.com/lieyanc/FireFrp/internal/credential"
	"github.com/lieyanc/FireFrp/internal/expiry"
	"github.com/lieyanc/FireFrp/internal/model"
	"github.com/lieyanc/FireFrp/internal/portalloc"
	"github.com/lieyanc/FireFrp/internal/rejectset"
	"github.com/lieyanc/FireFrp/internal/store"
)

func newTestService(t *testing.T) *credential.Service {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	ports, err := portalloc.New(20000, 20050)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	return credential.New(st, ports, rejectset.New(), "ff-")
}

func TestScheduler_ScansImmediatelyOnStart(t *testing.T) {
	svc := newTestService(t)
	rec, err := svc.Create("u1", "a", "", "minecraft", -time.Minute) // already expired
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sched := expiry.New(svc, time.Hour) // long period: only the immediate scan should matter
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := svc.GetByKey(rec.Key)
		if got.Status == model.StatusExpired {
			sched.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	sched.Stop()
	t.Fatal("expected credential to be expired by the immediate scan")
}

func TestScheduler_LeavesLiveCredentialsAlone(t *testing.T) {
	svc := newTestService(t)
	rec, err := svc.Create("u1", "a", "", "minecraft", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sched := expiry.New(svc, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	sched.Stop()
	cancel()

	got, ok := svc.GetByKey(rec.Key)
	if !ok || got.Status != model.StatusPending {
		t.Fatalf("expected credential to remain pending, got ok=%v status=%s", ok, got.Status)
	}
}

func TestScheduler_StopJoinsInFlightScan(t *testing.T) {
	svc := newTestService(t)
	sched := expiry.New(svc, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	sched.Stop() // must return, not hang
}

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"chunkfs/internal/cluster"
	"chunkfs/internal/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUnreachable = errors.New("connection refused")

func state(t *testing.T, m *cluster.Membership, id string) cluster.HealthState {
	t.Helper()
	st, ok := m.State(id)
	if !ok {
		t.Fatalf("server %s unknown", id)
	}
	return st
}

func TestMissedHeartbeatsLeadToDead(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := NewMockProber(ctrl)
	clock := &fakeClock{now: time.Unix(10_000, 0)}

	members := cluster.NewMembership()
	members.Register("a:9001", clock.Now())

	var dead []string
	mon := NewMonitor(members, prober, Config{Interval: time.Second, Timeout: time.Second, GracePeriod: 5 * time.Second},
		WithClock(clock.Now),
		OnDead(func(id string) { dead = append(dead, id) }),
	)

	prober.EXPECT().Heartbeat(gomock.Any(), "a:9001").Return(wire.Heartbeat{}, errUnreachable).Times(3)
	ctx := context.Background()

	clock.Advance(time.Second)
	mon.Tick(ctx)
	mon.Wait()
	if st := state(t, members, "a:9001"); st != cluster.Suspect {
		t.Fatalf("after one miss: %v, want SUSPECT", st)
	}

	clock.Advance(2 * time.Second) // 3s since last heartbeat, inside grace
	mon.Tick(ctx)
	mon.Wait()
	if st := state(t, members, "a:9001"); st != cluster.Suspect {
		t.Fatalf("inside grace: %v, want SUSPECT", st)
	}

	clock.Advance(3 * time.Second) // 6s, past grace
	mon.Tick(ctx)
	mon.Wait()
	if st := state(t, members, "a:9001"); st != cluster.Dead {
		t.Fatalf("past grace: %v, want DEAD", st)
	}
	if len(dead) != 1 || dead[0] != "a:9001" {
		t.Fatalf("onDead calls = %v", dead)
	}

	// Dead servers are no longer probed.
	mon.Tick(ctx)
	mon.Wait()
}

func TestHeartbeatRecoversSuspect(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := NewMockProber(ctrl)
	clock := &fakeClock{now: time.Unix(10_000, 0)}
	members := cluster.NewMembership()
	members.Register("a:9001", clock.Now())
	mon := NewMonitor(members, prober, Config{GracePeriod: 5 * time.Second}, WithClock(clock.Now))

	gomock.InOrder(
		prober.EXPECT().Heartbeat(gomock.Any(), "a:9001").Return(wire.Heartbeat{}, errUnreachable),
		prober.EXPECT().Heartbeat(gomock.Any(), "a:9001").Return(wire.Heartbeat{
			ServerID: "rack1-a", StorageUsed: 100, StorageTotal: 1000,
		}, nil),
	)

	mon.Tick(context.Background())
	mon.Wait()
	clock.Advance(time.Second)
	mon.Tick(context.Background())
	mon.Wait()

	cs, _ := members.Get("a:9001")
	if cs.State != cluster.Healthy {
		t.Fatalf("state = %v", cs.State)
	}
	if cs.Name != "rack1-a" || cs.StorageUsed != 100 || cs.StorageTotal != 1000 {
		t.Fatalf("capacity not updated: %+v", cs)
	}
	if !cs.LastHeartbeat.Equal(clock.Now()) {
		t.Fatalf("LastHeartbeat = %v", cs.LastHeartbeat)
	}
}

func TestDeadIsStickyUntilRegister(t *testing.T) {
	members := cluster.NewMembership()
	members.Register("a:9001", time.Unix(0, 0))
	members.Update("a:9001", func(cs *cluster.ChunkServerInfo) { cs.State = cluster.Dead })

	mon := NewMonitor(members, nil, DefaultConfig)
	if mon.ObserveHeartbeat("a:9001", wire.Heartbeat{StorageTotal: 1}) {
		t.Fatal("heartbeat accepted from a dead server")
	}
	if st := state(t, members, "a:9001"); st != cluster.Dead {
		t.Fatalf("state = %v", st)
	}

	members.Register("a:9001", time.Now())
	if !mon.ObserveHeartbeat("a:9001", wire.Heartbeat{StorageTotal: 1}) {
		t.Fatal("heartbeat rejected after re-registration")
	}
}

func TestSlowProbeTimesOutWithoutBlockingOthers(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := NewMockProber(ctrl)
	members := cluster.NewMembership()
	members.Register("slow:9001", time.Now())
	members.Register("fast:9001", time.Now())

	release := make(chan struct{})
	prober.EXPECT().Heartbeat(gomock.Any(), "slow:9001").DoAndReturn(
		func(ctx context.Context, _ string) (wire.Heartbeat, error) {
			select {
			case <-ctx.Done():
				return wire.Heartbeat{}, ctx.Err()
			case <-release:
				return wire.Heartbeat{}, errUnreachable
			}
		}).Times(1)
	prober.EXPECT().Heartbeat(gomock.Any(), "fast:9001").Return(wire.Heartbeat{StorageTotal: 42}, nil).MinTimes(1)

	mon := NewMonitor(members, prober, Config{Timeout: 100 * time.Millisecond, GracePeriod: time.Minute})
	start := time.Now()
	mon.Tick(context.Background())
	// A second tick while the slow probe is outstanding must not start another.
	mon.Tick(context.Background())
	mon.Wait()
	close(release)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probes took %v", elapsed)
	}
	if st := state(t, members, "slow:9001"); st != cluster.Suspect {
		t.Fatalf("timed-out probe left state %v, want SUSPECT", st)
	}
	cs, _ := members.Get("fast:9001")
	if cs.State != cluster.Healthy || cs.StorageTotal != 42 {
		t.Fatalf("fast server = %+v", cs)
	}
}

func TestStateMachine(t *testing.T) {
	grace := 10 * time.Second
	cases := []struct {
		cur   cluster.HealthState
		ok    bool
		since time.Duration
		want  cluster.HealthState
	}{
		{cluster.Healthy, true, 0, cluster.Healthy},
		{cluster.Healthy, false, time.Hour, cluster.Suspect},
		{cluster.Suspect, false, 5 * time.Second, cluster.Suspect},
		{cluster.Suspect, false, 11 * time.Second, cluster.Dead},
		{cluster.Suspect, true, time.Hour, cluster.Healthy},
		{cluster.Dead, true, 0, cluster.Dead},
	}
	for _, c := range cases {
		if got := next(c.cur, c.ok, c.since, grace); got != c.want {
			t.Errorf("next(%v, ok=%v, %v) = %v, want %v", c.cur, c.ok, c.since, got, c.want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := NewMockProber(ctrl)
	prober.EXPECT().Heartbeat(gomock.Any(), gomock.Any()).Return(wire.Heartbeat{}, nil).AnyTimes()

	members := cluster.NewMembership()
	members.Register("a:9001", time.Now())
	mon := NewMonitor(members, prober, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

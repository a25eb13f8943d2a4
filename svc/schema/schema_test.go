package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProber struct {
	mu     sync.Mutex
	tables map[string]bool
	cols   map[string]bool
	calls  int32
	err    error
}

func (f *fakeProber) TableExists(ctx context.Context, table string) (bool, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table], f.err
}
func (f *fakeProber) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols[table+"."+column], f.err
}
func (f *fakeProber) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func richProber() *fakeProber {
	return &fakeProber{
		tables: map[string]bool{TableBlocks: true, TableFiles: true},
		cols: map[string]bool{
			"pastes.alias":         true,
			"pastes.password_hash": true,
			"pastes.view_count":    true,
			"pastes.style":         true,
		},
	}
}

func TestSnapshotRich(t *testing.T) {
	tol, err := New(richProber(), time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	caps, err := tol.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !caps.Rich() {
		t.Errorf("expected rich capabilities, got %+v", caps)
	}
}

func TestSnapshotBare(t *testing.T) {
	tol, _ := New(&fakeProber{}, time.Minute)
	caps, err := tol.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if caps != (Capabilities{}) {
		t.Errorf("expected bare capabilities, got %+v", caps)
	}
}

func TestSnapshotCachedUntilInvalidate(t *testing.T) {
	p := &fakeProber{}
	tol, _ := New(p, time.Hour)
	ctx := context.Background()
	if _, err := tol.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	calls := atomic.LoadInt32(&p.calls)
	p.set(func() {
		p.tables = map[string]bool{TableBlocks: true}
		p.cols = map[string]bool{"pastes.style": true}
	})
	caps, _ := tol.Snapshot(ctx)
	if caps.Blocks {
		t.Error("cached snapshot should not see the new table yet")
	}
	if atomic.LoadInt32(&p.calls) != calls {
		t.Error("cached snapshot hit the prober")
	}
	tol.Invalidate()
	caps, _ = tol.Snapshot(ctx)
	if !caps.Blocks {
		t.Error("snapshot after Invalidate missed the new blocks table")
	}
}

func TestSnapshotBlocksNeedStyle(t *testing.T) {
	p := richProber()
	delete(p.cols, "pastes.style")
	tol, _ := New(p, time.Minute)
	caps, err := tol.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if caps.Blocks {
		t.Error("blocks table without style column must select the bare shape")
	}
	if !caps.Files || !caps.Alias {
		t.Errorf("unrelated capabilities lost: %+v", caps)
	}
}

func TestSnapshotZeroTTLAlwaysProbes(t *testing.T) {
	p := &fakeProber{}
	tol, _ := New(p, 0)
	ctx := context.Background()
	tol.Snapshot(ctx)
	p.set(func() { p.cols = map[string]bool{"pastes.password_hash": true} })
	caps, _ := tol.Snapshot(ctx)
	if !caps.Password {
		t.Error("zero ttl should pick up schema changes immediately")
	}
}

func TestSnapshotProbeError(t *testing.T) {
	p := &fakeProber{err: errors.New("database is locked")}
	tol, _ := New(p, time.Minute)
	if _, err := tol.Snapshot(context.Background()); err == nil {
		t.Fatal("expected probe error")
	}
	p.set(func() { p.err = nil })
	if _, err := tol.Snapshot(context.Background()); err != nil {
		t.Fatalf("failed probes must not be cached: %v", err)
	}
}

func TestSnapshotConcurrent(t *testing.T) {
	tol, _ := New(richProber(), time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caps, err := tol.Snapshot(context.Background())
			if err != nil || !caps.Rich() {
				t.Errorf("Snapshot = %+v, %v", caps, err)
			}
		}()
	}
	wg.Wait()
}

type gatedProber struct {
	*fakeProber
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedProber) TableExists(ctx context.Context, table string) (bool, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return g.fakeProber.TableExists(ctx, table)
}
func (g *gatedProber) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return g.fakeProber.ColumnExists(ctx, table, column)
}

func TestSnapshotSurvivesCancelledLeader(t *testing.T) {
	g := &gatedProber{fakeProber: richProber(), entered: make(chan struct{}), release: make(chan struct{})}
	tol, _ := New(g, time.Minute)
	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := tol.Snapshot(leaderCtx)
		leaderErr <- err
	}()
	<-g.entered
	type result struct {
		caps Capabilities
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		caps, err := tol.Snapshot(context.Background())
		follower <- result{caps, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}
	close(g.release)
	res := <-follower
	if res.err != nil {
		t.Fatalf("follower failed with the leader's cancellation: %v", res.err)
	}
	if !res.caps.Rich() {
		t.Errorf("follower caps = %+v", res.caps)
	}
}

func TestFreshIgnoresCache(t *testing.T) {
	p := &fakeProber{}
	tol, _ := New(p, time.Hour)
	ctx := context.Background()
	if caps, _ := tol.Snapshot(ctx); caps.Alias {
		t.Fatal("alias reported before it exists")
	}
	p.set(func() { p.cols = map[string]bool{"pastes.alias": true} })
	if caps, _ := tol.Snapshot(ctx); caps.Alias {
		t.Fatal("cached snapshot should still be bare")
	}
	caps, err := tol.Fresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !caps.Alias {
		t.Error("Fresh did not see the new column")
	}
	if caps, _ := tol.Snapshot(ctx); !caps.Alias {
		t.Error("Fresh did not refresh the cache")
	}
}

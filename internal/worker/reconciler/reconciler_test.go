package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mcarata/blueprints/internal/worker/handlers"
	"github.com/mcarata/blueprints/internal/worker/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeLister struct {
	mu      sync.Mutex
	running map[string]bool
	calls   int
}

func (f *fakeLister) RunningContainerNames(context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[string]bool, len(f.running))
	for k, v := range f.running {
		out[k] = v
	}
	return out, nil
}

func (f *fakeLister) set(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		f.running = map[string]bool{}
	}
	if running {
		f.running[name] = true
	} else {
		delete(f.running, name)
	}
}

// fakeHandler mimics a framework handler: it flips actual state in the
// store and keeps the lister's container view in sync, like the real
// handlers do against Docker.
type fakeHandler struct {
	mu       sync.Mutex
	st       *store.Store
	lister   *fakeLister
	starts   []string
	stops    []string
	purges   []string
	startErr error
}

func (f *fakeHandler) Start(ctx context.Context, agentID string, _, _ json.RawMessage, _ bool, projectID string) error {
	f.mu.Lock()
	f.starts = append(f.starts, agentID)
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.lister.set(handlers.ContainerName("picoclaw", agentID, projectID), true)
	return f.st.MarkActualRunning(ctx, agentID, "test")
}

func (f *fakeHandler) Stop(ctx context.Context, agentID, projectID string) error {
	f.mu.Lock()
	f.stops = append(f.stops, agentID)
	f.mu.Unlock()
	f.lister.set(handlers.ContainerName("picoclaw", agentID, projectID), false)
	return f.st.MarkActualStopped(ctx, agentID)
}

func (f *fakeHandler) Purge(ctx context.Context, agentID, projectID string) error {
	f.mu.Lock()
	f.purges = append(f.purges, agentID)
	f.mu.Unlock()
	return f.Stop(ctx, agentID, projectID)
}

func (f *fakeHandler) RunCommand(context.Context, string, string, string) string { return "" }

type fakeRegistry struct{ h *fakeHandler }

func (f *fakeRegistry) Get(string) (handlers.Handler, error) { return f.h, nil }

type fixture struct {
	st      *store.Store
	lister  *fakeLister
	handler *fakeHandler
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	st := newTestStore(t)
	lister := &fakeLister{}
	handler := &fakeHandler{st: st, lister: lister}
	rec := New(st, lister, &fakeRegistry{h: handler}, time.Minute)
	return &fixture{st: st, lister: lister, handler: handler, rec: rec}
}

func (fx *fixture) addAgent(t *testing.T, id string, enabled bool, cfg string) {
	t.Helper()
	ctx := context.Background()
	if err := fx.st.CreateAgent(ctx, &store.Agent{ID: id, Name: id, Framework: "picoclaw", Tier: "free"}); err != nil {
		t.Fatal(err)
	}
	if err := fx.st.SetDesiredState(ctx, &store.DesiredState{
		AgentID: id,
		Enabled: enabled,
		Config:  json.RawMessage(cfg),
	}); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) status(t *testing.T, id string) string {
	t.Helper()
	rec, err := fx.st.GetAgentRecord(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Actual.Status
}

func TestTick_StartsEnabledAgent(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{"model":"m"}`)

	fx.rec.Tick(context.Background())

	if len(fx.handler.starts) != 1 || fx.handler.starts[0] != "a1" {
		t.Fatalf("starts = %v", fx.handler.starts)
	}
	if got := fx.status(t, "a1"); got != store.StatusRunning {
		t.Errorf("status = %q", got)
	}

	// A second tick with nothing changed is a no-op.
	fx.rec.Tick(context.Background())
	if len(fx.handler.starts) != 1 {
		t.Errorf("idempotent tick started again: %v", fx.handler.starts)
	}
}

func TestTick_StopsDisabledAgent(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{}`)
	fx.rec.Tick(context.Background())

	if err := fx.st.SetDesiredEnabled(context.Background(), "a1", false); err != nil {
		t.Fatal(err)
	}
	fx.rec.Tick(context.Background())

	if len(fx.handler.stops) != 1 {
		t.Fatalf("stops = %v", fx.handler.stops)
	}
	if got := fx.status(t, "a1"); got != store.StatusStopped {
		t.Errorf("status = %q", got)
	}
}

func TestTick_RepairsDriftThenRestarts(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{}`)
	fx.rec.Tick(context.Background())

	// Container vanishes out-of-band; DB still says running.
	fx.lister.set(handlers.ContainerName("picoclaw", "a1", ""), false)
	fx.rec.Tick(context.Background())

	if len(fx.handler.starts) != 2 {
		t.Errorf("drifted enabled agent should be restarted, starts = %v", fx.handler.starts)
	}
	if got := fx.status(t, "a1"); got != store.StatusRunning {
		t.Errorf("status = %q", got)
	}
}

func TestTick_DriftRepairWithoutRestartWhenDisabled(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", false, `{}`)
	if err := fx.st.SetActualStatus(context.Background(), "a1", store.StatusRunning); err != nil {
		t.Fatal(err)
	}

	fx.rec.Tick(context.Background())

	if got := fx.status(t, "a1"); got != store.StatusStopped {
		t.Errorf("status = %q, want stopped after drift repair", got)
	}
	if len(fx.handler.starts) != 0 || len(fx.handler.stops) != 0 {
		t.Errorf("no handler calls expected, starts=%v stops=%v", fx.handler.starts, fx.handler.stops)
	}
}

func TestTick_ConfigChangeRestarts(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{"model":"one"}`)
	fx.rec.Tick(context.Background())

	if err := fx.st.SetDesiredState(context.Background(), &store.DesiredState{
		AgentID: "a1",
		Enabled: true,
		Config:  json.RawMessage(`{"model":"two"}`),
	}); err != nil {
		t.Fatal(err)
	}
	fx.rec.Tick(context.Background())

	if len(fx.handler.stops) != 1 || len(fx.handler.starts) != 2 {
		t.Fatalf("config change should stop once then start once: stops=%v starts=%v",
			fx.handler.stops, fx.handler.starts)
	}

	// Same config again: no further churn.
	fx.rec.Tick(context.Background())
	if len(fx.handler.starts) != 2 {
		t.Errorf("unchanged config restarted again: %v", fx.handler.starts)
	}
}

func TestTick_HashBackfillAfterRestart(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{"model":"one"}`)
	fx.rec.Tick(context.Background())

	// Simulate a worker restart: fresh reconciler, same store and engine.
	rec2 := New(fx.st, fx.lister, &fakeRegistry{h: fx.handler}, time.Minute)
	rec2.Tick(context.Background())

	if len(fx.handler.starts) != 1 {
		t.Errorf("healthy running agent should be adopted, not restarted: %v", fx.handler.starts)
	}
	if rec2.hashes["a1"] == "" {
		t.Error("hash cache not backfilled")
	}
}

func TestTick_PurgesElapsedAgents(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{}`)
	fx.rec.Tick(context.Background())

	ctx := context.Background()
	if err := fx.st.SetDesiredState(ctx, &store.DesiredState{
		AgentID: "a1",
		Enabled: true,
		Config:  json.RawMessage(`{}`),
		PurgeAt: sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true},
	}); err != nil {
		t.Fatal(err)
	}
	fx.rec.Tick(ctx)

	if len(fx.handler.purges) != 1 {
		t.Fatalf("purges = %v", fx.handler.purges)
	}
	if _, err := fx.st.GetAgent(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("agent row should be hard-deleted, err = %v", err)
	}
}

func TestTick_FuturePurgeIsIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{}`)
	ctx := context.Background()
	if err := fx.st.SetDesiredState(ctx, &store.DesiredState{
		AgentID: "a1",
		Enabled: true,
		Config:  json.RawMessage(`{}`),
		PurgeAt: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
	}); err != nil {
		t.Fatal(err)
	}

	fx.rec.Tick(ctx)

	if len(fx.handler.purges) != 0 {
		t.Errorf("purge before purge_at: %v", fx.handler.purges)
	}
	if len(fx.handler.starts) != 1 {
		t.Errorf("scheduled-for-purge agent still runs until the deadline: %v", fx.handler.starts)
	}
}

func TestTick_IsolatesHandlerFailures(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{}`)
	fx.addAgent(t, "a2", true, `{}`)
	fx.handler.startErr = errors.New("image pull failed")

	fx.rec.Tick(context.Background())

	// Both agents were attempted despite every start failing.
	if len(fx.handler.starts) != 2 {
		t.Errorf("starts = %v, want both agents attempted", fx.handler.starts)
	}
}

func TestTick_SkipsWhenBusy(t *testing.T) {
	fx := newFixture(t)
	fx.addAgent(t, "a1", true, `{}`)

	fx.rec.busy.Store(true)
	fx.rec.Tick(context.Background())
	if fx.lister.calls != 0 {
		t.Error("guarded tick must not touch the engine")
	}

	fx.rec.busy.Store(false)
	fx.rec.Tick(context.Background())
	if fx.lister.calls != 1 {
		t.Errorf("lister calls = %d", fx.lister.calls)
	}
}

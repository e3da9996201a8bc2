package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcarata/blueprints/internal/worker/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "worker-test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createAgent(t *testing.T, s *store.Store, id, framework, projectID string) {
	t.Helper()
	agent := &store.Agent{ID: id, Name: id, Framework: framework}
	if projectID != "" {
		agent.ProjectID = sql.NullString{String: projectID, Valid: true}
	}
	if err := s.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
}

func TestCreateAgent_SeedsStateRows(t *testing.T) {
	s := newTestStore(t)
	createAgent(t, s, "a1", "picoclaw", "")

	rec, err := s.GetAgentRecord(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgentRecord: %v", err)
	}
	if rec.Desired == nil || rec.Actual == nil {
		t.Fatal("desired/actual rows not seeded")
	}
	if rec.Desired.Enabled {
		t.Error("new agent should not be enabled")
	}
	if rec.Actual.Status != "stopped" {
		t.Errorf("new agent status = %q, want stopped", rec.Actual.Status)
	}
	if rec.Tier != "free" {
		t.Errorf("default tier = %q, want free", rec.Tier)
	}
}

func TestActualStateTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAgent(t, s, "a1", "openclaw", "")

	if err := s.SetActualStatus(ctx, "a1", "starting"); err != nil {
		t.Fatalf("SetActualStatus: %v", err)
	}
	if err := s.SetActualEndpoint(ctx, "a1", "http://1.2.3.4:18123"); err != nil {
		t.Fatalf("SetActualEndpoint: %v", err)
	}
	if err := s.MarkActualRunning(ctx, "a1", "2026-07-01"); err != nil {
		t.Fatalf("MarkActualRunning: %v", err)
	}

	rec, err := s.GetAgentRecord(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgentRecord: %v", err)
	}
	if rec.Actual.Status != "running" {
		t.Errorf("status = %q, want running", rec.Actual.Status)
	}
	if rec.Actual.EndpointURL.String != "http://1.2.3.4:18123" {
		t.Errorf("endpoint = %q", rec.Actual.EndpointURL.String)
	}
	if rec.Actual.Version.String != "2026-07-01" {
		t.Errorf("version = %q", rec.Actual.Version.String)
	}
	if !rec.Actual.LastSync.Valid {
		t.Error("last_sync not set")
	}

	if err := s.MarkActualError(ctx, "a1", "image pull failed"); err != nil {
		t.Fatalf("MarkActualError: %v", err)
	}
	rec, _ = s.GetAgentRecord(ctx, "a1")
	if rec.Actual.Status != "error" || rec.Actual.ErrorMessage.String != "image pull failed" {
		t.Errorf("error state = %q/%q", rec.Actual.Status, rec.Actual.ErrorMessage.String)
	}

	// A successful run clears the error.
	if err := s.MarkActualRunning(ctx, "a1", "unknown"); err != nil {
		t.Fatalf("MarkActualRunning: %v", err)
	}
	rec, _ = s.GetAgentRecord(ctx, "a1")
	if rec.Actual.ErrorMessage.Valid {
		t.Errorf("error message not cleared: %q", rec.Actual.ErrorMessage.String)
	}

	if err := s.MarkActualStopped(ctx, "a1"); err != nil {
		t.Fatalf("MarkActualStopped: %v", err)
	}
	rec, _ = s.GetAgentRecord(ctx, "a1")
	if rec.Actual.Status != "stopped" {
		t.Errorf("status = %q, want stopped", rec.Actual.Status)
	}
	if rec.Actual.EndpointURL.Valid {
		t.Errorf("endpoint not cleared: %q", rec.Actual.EndpointURL.String)
	}
}

func TestDeleteAgent_Cascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAgent(t, s, "a1", "elizaos", "p1")

	if err := s.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgentRecord(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteAgent(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestEnabledAgentsInProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAgent(t, s, "a1", "elizaos", "p1")
	createAgent(t, s, "a2", "elizaos", "p1")
	createAgent(t, s, "a3", "elizaos", "p2")

	if err := s.SetDesiredEnabled(ctx, "a2", true); err != nil {
		t.Fatalf("SetDesiredEnabled: %v", err)
	}
	if err := s.SetDesiredEnabled(ctx, "a3", true); err != nil {
		t.Fatalf("SetDesiredEnabled: %v", err)
	}

	count, err := s.EnabledAgentsInProject(ctx, "p1", "elizaos", "a1")
	if err != nil {
		t.Fatalf("EnabledAgentsInProject: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (a2 only)", count)
	}

	count, err = s.EnabledAgentsInProject(ctx, "p1", "elizaos", "a2")
	if err != nil {
		t.Fatalf("EnabledAgentsInProject: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 when the only enabled agent is excluded", count)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key := &store.ManagedKey{ID: "k1", Provider: "openrouter", Label: "shared-pool-1"}
	if err := s.CreateManagedKey(ctx, key); err != nil {
		t.Fatalf("CreateManagedKey: %v", err)
	}
	stale := &store.Lease{ID: "l1", ManagedKeyID: "k1", ExpiresAt: time.Now().Add(-time.Hour)}
	fresh := &store.Lease{ID: "l2", ManagedKeyID: "k1", ExpiresAt: time.Now().Add(time.Hour)}
	for _, l := range []*store.Lease{stale, fresh} {
		if err := s.CreateLease(ctx, l); err != nil {
			t.Fatalf("CreateLease(%s): %v", l.ID, err)
		}
	}

	expired, err := s.ExpiredActiveLeases(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredActiveLeases: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "l1" {
		t.Fatalf("expired = %+v, want just l1", expired)
	}

	if err := s.MarkLeasesExpired(ctx, []string{"l1"}); err != nil {
		t.Fatalf("MarkLeasesExpired: %v", err)
	}
	l, err := s.GetLease(ctx, "l1")
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	if l.Status != store.LeaseExpired {
		t.Errorf("status = %q, want expired", l.Status)
	}

	// l2 is still the active lease for the key.
	active, err := s.ActiveLeaseForKey(ctx, "k1")
	if err != nil {
		t.Fatalf("ActiveLeaseForKey: %v", err)
	}
	if active.ID != "l2" {
		t.Errorf("active lease = %s, want l2", active.ID)
	}

	if err := s.UpdateLeaseUsage(ctx, "l2", 12.5); err != nil {
		t.Fatalf("UpdateLeaseUsage: %v", err)
	}
	l, _ = s.GetLease(ctx, "l2")
	if l.UsageUSD != 12.5 {
		t.Errorf("usage = %v, want 12.5", l.UsageUSD)
	}

	limit := 20.0
	if err := s.UpdateKeyLimit(ctx, "k1", &limit); err != nil {
		t.Fatalf("UpdateKeyLimit: %v", err)
	}
	keys, err := s.ListManagedKeys(ctx, "openrouter")
	if err != nil {
		t.Fatalf("ListManagedKeys: %v", err)
	}
	if len(keys) != 1 || !keys[0].MonthlyLimitUSD.Valid || keys[0].MonthlyLimitUSD.Float64 != 20 {
		t.Errorf("keys = %+v", keys)
	}
}

func TestAgentsUsingLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAgent(t, s, "a1", "openclaw", "")
	createAgent(t, s, "a2", "openclaw", "")
	createAgent(t, s, "a3", "openclaw", "")

	set := func(id, leaseID string, enabled bool) {
		meta, _ := json.Marshal(map[string]string{"lease_id": leaseID})
		err := s.SetDesiredState(ctx, &store.DesiredState{
			AgentID: id, Enabled: enabled, Metadata: meta,
		})
		if err != nil {
			t.Fatalf("SetDesiredState(%s): %v", id, err)
		}
	}
	set("a1", "l1", true)
	set("a2", "l1", false) // disabled: not affected by expiry
	set("a3", "l2", true)

	ids, err := s.AgentsUsingLease(ctx, "l1")
	if err != nil {
		t.Fatalf("AgentsUsingLease: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("ids = %v, want [a1]", ids)
	}
}

func TestConversationCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAgent(t, s, "a1", "picoclaw", "")

	seq0, err := s.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq0 != 0 {
		t.Errorf("empty table seq = %d", seq0)
	}

	first := &store.Message{AgentID: "a1", UserID: "u1", Sender: store.SenderUser, Content: "hello"}
	if err := s.InsertMessage(ctx, first); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if first.ID == "" || first.Seq == 0 {
		t.Errorf("insert did not assign id/seq: %+v", first)
	}

	reply := &store.Message{AgentID: "a1", UserID: "u1", Sender: store.SenderAgent, Content: "hi"}
	if err := s.InsertMessage(ctx, reply); err != nil {
		t.Fatalf("InsertMessage reply: %v", err)
	}

	msgs, err := s.UserMessagesAfter(ctx, 0)
	if err != nil {
		t.Fatalf("UserMessagesAfter: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("msgs = %+v, want only the user message", msgs)
	}

	msgs, err = s.UserMessagesAfter(ctx, first.Seq)
	if err != nil {
		t.Fatalf("UserMessagesAfter: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("cursor past last user message still returned %d rows", len(msgs))
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAgent(t, s, "a1", "elizaos", "p1")

	if _, err := s.GetSession(ctx, "a1", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing session err = %v, want ErrNotFound", err)
	}

	if err := s.SaveSession(ctx, "a1", "u1", "p1", "remote-1"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.GetSession(ctx, "a1", "u1")
	if err != nil || got != "remote-1" {
		t.Fatalf("GetSession = %q, %v", got, err)
	}

	// Replacing the mapping is an upsert, not a duplicate-row error.
	if err := s.SaveSession(ctx, "a1", "u1", "p1", "remote-2"); err != nil {
		t.Fatalf("SaveSession replace: %v", err)
	}
	got, _ = s.GetSession(ctx, "a1", "u1")
	if got != "remote-2" {
		t.Errorf("session = %q, want remote-2", got)
	}

	if err := s.DeleteSessionByRemoteID(ctx, "remote-2"); err != nil {
		t.Fatalf("DeleteSessionByRemoteID: %v", err)
	}
	if _, err := s.GetSession(ctx, "a1", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted session err = %v, want ErrNotFound", err)
	}
}

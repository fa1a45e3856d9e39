package orchestration

import "testing"

type recordingLedger struct {
	ids []string
}

func (l *recordingLedger) RecordExecutedCall(sessionID string, callID string) error {
	l.ids = append(l.ids, sessionID+"/"+callID)
	return nil
}

func TestMarkExecutedIsIdempotent(t *testing.T) {
	ledger := &recordingLedger{}
	c := New(Options{SessionID: "s1", Ledger: ledger})

	if c.IsDuplicate("call_1") {
		t.Fatalf("IsDuplicate(call_1) = true before mark")
	}
	if err := c.MarkExecuted("call_1"); err != nil {
		t.Fatalf("MarkExecuted() error = %v", err)
	}
	if err := c.MarkExecuted("call_1"); err != nil {
		t.Fatalf("second MarkExecuted() error = %v", err)
	}
	if !c.IsDuplicate("call_1") {
		t.Fatalf("IsDuplicate(call_1) = false after mark")
	}
	if got := c.ExecutedCount(); got != 1 {
		t.Fatalf("ExecutedCount() = %d, want 1", got)
	}
	if len(ledger.ids) != 1 || ledger.ids[0] != "s1/call_1" {
		t.Fatalf("ledger = %v, want [s1/call_1]", ledger.ids)
	}
}

func TestMarkExecutedRejectsEmptyID(t *testing.T) {
	c := New(Options{})
	if err := c.MarkExecuted("  "); err == nil {
		t.Fatalf("MarkExecuted(blank) error = nil, want error")
	}
	if c.IsDuplicate("") {
		t.Fatalf("IsDuplicate(empty) = true")
	}
}

func TestCanSpawnDelegateOncePerBatch(t *testing.T) {
	c := New(Options{})

	if !c.CanSpawnDelegate("read_file") || !c.CanSpawnDelegate("read_file") {
		t.Fatalf("non-delegation tools must always be allowed")
	}
	if !c.CanSpawnDelegate(DefaultDelegationTool) {
		t.Fatalf("first delegation in batch refused")
	}
	if c.CanSpawnDelegate(DefaultDelegationTool) {
		t.Fatalf("second delegation in batch allowed")
	}

	c.ResetBatch()
	if !c.CanSpawnDelegate(DefaultDelegationTool) {
		t.Fatalf("delegation refused after ResetBatch")
	}
}

func TestCustomDelegationTool(t *testing.T) {
	c := New(Options{DelegationTool: "delegate"})
	if !c.CanSpawnDelegate("subagent") || !c.CanSpawnDelegate("subagent") {
		t.Fatalf("subagent is not the delegation tool here")
	}
	if !c.CanSpawnDelegate("delegate") {
		t.Fatalf("first delegate refused")
	}
	if c.CanSpawnDelegate("delegate") {
		t.Fatalf("second delegate allowed")
	}
}

package provisioning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edgefleet/iamfleet/internal/iamerr"
)

func TestLoad_MissingFileDefaultsUnprovisioned(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), Hooks{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.State() != Unprovisioned {
		t.Fatalf("State = %s, want unprovisioned", m.State())
	}
}

func TestLoad_ReadsPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := os.WriteFile(path, []byte("provisioned\n"), 0o600); err != nil {
		t.Fatalf("seed state file: %v", err)
	}
	m, err := Load(path, Hooks{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.State() != Provisioned {
		t.Fatalf("State = %s, want provisioned", m.State())
	}
}

func TestLoad_RejectsUnrecognizedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := os.WriteFile(path, []byte("bogus"), 0o600); err != nil {
		t.Fatalf("seed state file: %v", err)
	}
	if _, err := Load(path, Hooks{}); err == nil {
		t.Fatal("expected an error for an unrecognized persisted state")
	}
}

func TestApply_FollowsTransitionTableAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	m, err := Load(path, Hooks{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := m.Apply(OpStartProvisioning); err != nil {
		t.Fatalf("StartProvisioning: %v", err)
	}
	if _, err := m.Apply(OpFinishProvisioning); err != nil {
		t.Fatalf("FinishProvisioning: %v", err)
	}
	if m.State() != Provisioned {
		t.Fatalf("State = %s, want provisioned", m.State())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted state: %v", err)
	}
	if string(b) != string(Provisioned) {
		t.Fatalf("persisted state = %q, want %q", b, Provisioned)
	}

	if _, err := m.Apply(OpPauseNode); err != nil {
		t.Fatalf("PauseNode: %v", err)
	}
	if m.State() != Paused {
		t.Fatalf("State = %s, want paused", m.State())
	}

	if _, err := m.Apply(OpDeprovision); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if m.State() != Unprovisioned {
		t.Fatalf("State = %s, want unprovisioned", m.State())
	}
}

func TestApply_IllegalTransitionReturnsWrongState(t *testing.T) {
	m, err := Load("", Hooks{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err = m.Apply(OpPauseNode)
	if err == nil {
		t.Fatal("expected an error for pausing an unprovisioned node")
	}
	kind, ok := iamerr.As(err)
	if !ok || kind != iamerr.WrongState {
		t.Fatalf("kind = (%v, %v), want (WrongState, true)", kind, ok)
	}
}

func TestApply_UnknownOpReturnsInternalError(t *testing.T) {
	m, err := Load("", Hooks{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = m.Apply(Op("NotARealOp"))
	if err == nil {
		t.Fatal("expected an error for an unknown operation")
	}
}

func TestApply_RunsHooksAndObservers(t *testing.T) {
	var finishCalls, deprovisionCalls int
	m, err := Load("", Hooks{
		OnFinishProvisioning: func() error { finishCalls++; return nil },
		OnDeprovision:        func() error { deprovisionCalls++; return nil },
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var transitions []Op
	m.Observe(func(from, to State, op Op) { transitions = append(transitions, op) })

	if _, err := m.Apply(OpStartProvisioning); err != nil {
		t.Fatalf("StartProvisioning: %v", err)
	}
	if _, err := m.Apply(OpFinishProvisioning); err != nil {
		t.Fatalf("FinishProvisioning: %v", err)
	}
	if _, err := m.Apply(OpDeprovision); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}

	if finishCalls != 1 {
		t.Fatalf("finishCalls = %d, want 1", finishCalls)
	}
	if deprovisionCalls != 1 {
		t.Fatalf("deprovisionCalls = %d, want 1", deprovisionCalls)
	}
	if len(transitions) != 3 || transitions[2] != OpDeprovision {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestApply_HookFailureAbortsTransition(t *testing.T) {
	m, err := Load("", Hooks{
		OnFinishProvisioning: func() error { return iamerr.New(iamerr.Internal, "disk full") },
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := m.Apply(OpStartProvisioning); err != nil {
		t.Fatalf("StartProvisioning: %v", err)
	}

	if _, err := m.Apply(OpFinishProvisioning); err == nil {
		t.Fatal("expected the hook failure to abort FinishProvisioning")
	}
	if m.State() != Unprovisioned {
		t.Fatalf("State = %s, want unprovisioned after aborted transition", m.State())
	}
}

// Package provisioning implements spec.md §4.3's ProvisioningStateMachine:
// the legal Unprovisioned/Provisioned/Paused transitions, durable state
// persistence, and the transition-notifier the StreamWriter[NodeInfo]
// fan-out rides on. Grounded on original_source's iamserver.cpp
// (OnStartProvisioning/OnFinishProvisioning/OnDeprovision et al.) and the
// teacher's file-helper idiom for the atomic write-temp+rename persistence.
package provisioning

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edgefleet/iamfleet/internal/iamerr"
)

// State is one of the three legal node provisioning states.
type State string

const (
	Unprovisioned State = "unprovisioned"
	Provisioned   State = "provisioned"
	Paused        State = "paused"
)

// Op names one of the operations gated by the state machine, used for
// logging and for matching the transition table below.
type Op string

const (
	OpStartProvisioning  Op = "StartProvisioning"
	OpFinishProvisioning Op = "FinishProvisioning"
	OpDeprovision        Op = "Deprovision"
	OpPauseNode          Op = "PauseNode"
	OpResumeNode         Op = "ResumeNode"
)

type transition struct {
	from []State
	to   State
}

// table encodes spec.md §4.3's transition table exactly.
var table = map[Op]transition{
	OpStartProvisioning:  {from: []State{Unprovisioned}, to: Unprovisioned},
	OpFinishProvisioning: {from: []State{Unprovisioned}, to: Provisioned},
	OpDeprovision:        {from: []State{Provisioned, Paused}, to: Unprovisioned},
	OpPauseNode:          {from: []State{Provisioned}, to: Paused},
	OpResumeNode:         {from: []State{Paused}, to: Provisioned},
}

// Hooks are the observable side effects of entering Provisioned or
// Unprovisioned, per spec.md §4.3. Either may be nil.
type Hooks struct {
	OnFinishProvisioning func() error
	OnDeprovision        func() error
}

// Observer is notified of every successful transition; the dispatcher
// registers one that re-broadcasts through StreamWriter[NodeInfo].
type Observer func(from, to State, op Op)

// Machine is spec.md §4.3's ProvisioningStateMachine. Transitions are
// serialized by mu: "only one transition may be in progress at a time,
// protected by a state-machine lock" (spec.md §5).
type Machine struct {
	path string
	hooks Hooks

	mu    sync.Mutex
	state State

	obsMu     sync.Mutex
	observers []Observer
}

// Load reads the initial state from path (spec.md §4.3: "initial state is
// read from durable provisioning_state_path at startup; default is
// Unprovisioned"). A missing file is not an error.
func Load(path string, hooks Hooks) (*Machine, error) {
	m := &Machine{path: path, hooks: hooks, state: Unprovisioned}

	if path == "" {
		return m, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, iamerr.Wrap(iamerr.Internal, "read provisioning state", err)
	}

	s := State(trimState(b))
	switch s {
	case Unprovisioned, Provisioned, Paused:
		m.state = s
	case "":
		m.state = Unprovisioned
	default:
		return nil, iamerr.New(iamerr.Internal, fmt.Sprintf("unrecognized provisioning state %q", s))
	}

	return m, nil
}

func trimState(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe registers an observer invoked (synchronously, after the state
// lock is released) on every successful transition.
func (m *Machine) Observe(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Apply performs op if legal from the current state, else returns
// iamerr.WrongState. On success it runs the op's hook, persists the new
// state atomically (every transition except StartProvisioning's
// Unprovisioned-to-Unprovisioned), and notifies observers.
//
// Pause-then-Pause and Deprovision-then-Deprovision idempotence (spec.md
// §8): PauseNode's "from" set is {Provisioned} only, so a second PauseNode
// call while already Paused returns WrongState (the implementation's
// pinned choice). Deprovision's "from" set includes both
// Provisioned and Paused but not Unprovisioned, so the caller must special
// case re-calling Deprovision on an already-Unprovisioned node as a no-op
// at the dispatcher layer (see internal/dispatcher).
func (m *Machine) Apply(op Op) (State, error) {
	t, ok := table[op]
	if !ok {
		return "", iamerr.New(iamerr.Internal, fmt.Sprintf("unknown provisioning operation %q", op))
	}

	m.mu.Lock()
	from := m.state
	legal := false
	for _, f := range t.from {
		if f == from {
			legal = true
			break
		}
	}
	if !legal {
		m.mu.Unlock()
		return from, iamerr.New(iamerr.WrongState, fmt.Sprintf("%s not legal from state %s", op, from))
	}

	to := t.to

	if to == Provisioned && m.hooks.OnFinishProvisioning != nil {
		if err := m.hooks.OnFinishProvisioning(); err != nil {
			m.mu.Unlock()
			return from, iamerr.Wrap(iamerr.Internal, "finish provisioning command", err)
		}
	}
	if to == Unprovisioned && from != Unprovisioned && m.hooks.OnDeprovision != nil {
		if err := m.hooks.OnDeprovision(); err != nil {
			m.mu.Unlock()
			return from, iamerr.Wrap(iamerr.Internal, "deprovision command", err)
		}
	}

	if to != Unprovisioned || from != Unprovisioned {
		if err := m.persist(to); err != nil {
			m.mu.Unlock()
			return from, err
		}
	}

	m.state = to
	m.mu.Unlock()

	m.obsMu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.Unlock()
	for _, o := range observers {
		o(from, to, op)
	}

	return to, nil
}

// persist atomically writes state to m.path via write-temp+rename, per
// spec.md §4.3 and §6's "Atomic write via temp + rename."
func (m *Machine) persist(state State) error {
	if m.path == "" {
		return nil
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".provisioning-state-*")
	if err != nil {
		return iamerr.Wrap(iamerr.Internal, "create temp provisioning state file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(string(state)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return iamerr.Wrap(iamerr.Internal, "write temp provisioning state file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return iamerr.Wrap(iamerr.Internal, "close temp provisioning state file", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return iamerr.Wrap(iamerr.Internal, "rename provisioning state file", err)
	}
	return nil
}

// Package identity is the default IdentityProvider collaborator (spec.md
// glossary): produces system_id, unit_model, and the subject set consumed
// by the public identity service. The flat-file and VIS-websocket
// implementations spec.md names are explicitly out of scope ("both are just
// alternate implementations of the IdentityProvider collaborator
// interface"); this package carries the static/test default and the tagged
// constructor dispatch table, grounded on original_source/src/config/
// config.hpp's Identifier{mPlugin, mParams} shape (Design Note: "model as
// tagged variants with one named constructor per recognized plugin value;
// unknown plugins fail at load, not at first use").
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/edgefleet/iamfleet/internal/iamerr"
)

// Provider is the collaborator interface the dispatcher consumes.
type Provider interface {
	GetSystemID(ctx context.Context) (string, error)
	GetUnitModel(ctx context.Context) (string, error)
	GetSubjects(ctx context.Context) ([]string, error)
	// Subscribe registers a callback invoked with the updated subject list
	// whenever it changes; it backs SubscribeSubjectsChanged's fan-out.
	Subscribe(fn func([]string)) (unsubscribe func())
}

// Params is the subset of config.Identifier.Params this package recognizes.
type Params struct {
	SystemID  string
	UnitModel string
	Subjects  []string
}

// New dispatches on plugin the same way credstore.NewSignerFromModule
// dispatches on a cert module's Plugin field: one named constructor per
// recognized value, failing at load time for anything unrecognized.
func New(plugin string, params map[string]interface{}) (Provider, error) {
	switch strings.ToLower(plugin) {
	case "", "static":
		return newStatic(params), nil
	case "file", "vis":
		// Named stub: these are explicitly out-of-scope collaborators per
		// spec.md §1 ("the VIS websocket subject identifier and the
		// flat-file identifier... are just alternate implementations").
		return nil, iamerr.New(iamerr.Internal, fmt.Sprintf("identifier plugin %q not built: out of scope, supply via an external collaborator", plugin))
	default:
		return nil, iamerr.New(iamerr.InvalidArgument, fmt.Sprintf("unknown identifier plugin %q", plugin))
	}
}

// static is the in-process default: it returns a fixed system id/unit model
// and a mutable subject set that tests and operators can push updates into.
type static struct {
	systemID  string
	unitModel string

	mu       sync.RWMutex
	subjects []string

	obsMu     sync.Mutex
	observers []func([]string)
}

func newStatic(params map[string]interface{}) *static {
	s := &static{systemID: "main", unitModel: "iamfleet"}
	if v, ok := params["systemId"].(string); ok && v != "" {
		s.systemID = v
	}
	if v, ok := params["unitModel"].(string); ok && v != "" {
		s.unitModel = v
	}
	if raw, ok := params["subjects"].([]interface{}); ok {
		for _, v := range raw {
			if str, ok := v.(string); ok {
				s.subjects = append(s.subjects, str)
			}
		}
	}
	return s
}

func (s *static) GetSystemID(ctx context.Context) (string, error)  { return s.systemID, nil }
func (s *static) GetUnitModel(ctx context.Context) (string, error) { return s.unitModel, nil }

func (s *static) GetSubjects(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subjects...), nil
}

// SetSubjects replaces the subject set and notifies subscribers, used by
// tests and by an operator-driven refresh path.
func (s *static) SetSubjects(subjects []string) {
	s.mu.Lock()
	s.subjects = append([]string(nil), subjects...)
	s.mu.Unlock()

	s.obsMu.Lock()
	observers := append([]func([]string){}, s.observers...)
	s.obsMu.Unlock()
	for _, o := range observers {
		if o != nil {
			o(subjects)
		}
	}
}

func (s *static) Subscribe(fn func([]string)) func() {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	idx := len(s.observers) - 1
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		if idx < len(s.observers) {
			s.observers[idx] = nil
		}
	}
}

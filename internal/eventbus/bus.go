// Package eventbus is the process-internal (or NATS-backed, multi-replica)
// publish/subscribe fabric backing the ProvisioningStateMachine's Notifier
// and the StreamWriter fan-out (spec.md §4.3, §4.6). Adapted in shape from
// the teacher's internal/mesh package (Bus interface, LocalBus in-process
// default, build-tag-gated NatsBus), repointed at IAM domain events
// (node-info changes, cert rotations, subject changes) instead of the
// teacher's agent-mesh gossip events.
package eventbus

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TopicNodeInfoChanged = "iam.node_info.changed"
	TopicSubjectsChanged = "iam.subjects.changed"
	TopicCertChanged     = "iam.cert.changed"
)

// Event is the envelope carried on every topic.
type Event struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

type Handler func(ctx context.Context, e Event)

// Bus is the publish/subscribe fabric; LocalBus is the in-process default,
// NatsBus (build tag "nats") shares fan-out across dispatcher replicas.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}

// Marshal is a convenience for building an Event's payload.
func Marshal(topic string, v any) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: topic, Payload: b}, nil
}

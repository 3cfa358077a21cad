// Package trace implements the kernel's append-only audit trail.
//
// A Trace is a bounded ring of stage-tagged events. Two traces are
// replay-equal when their events agree positionally on (stage, message,
// data); timestamps are excluded because they come from a clock.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openibank/openibank-sub002/pkg/canonicalize"
)

// Stage tags the kernel pipeline step that produced an event.
type Stage string

const (
	StagePolicy   Stage = "policy"
	StagePropose  Stage = "propose"
	StageGate     Stage = "gate"
	StageDecision Stage = "decision"
	StageError    Stage = "error"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePolicy, StagePropose, StageGate, StageDecision, StageError:
		return true
	}
	return false
}

// Event is one recorded stage transition. Data holds canonical JSON.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Stage     Stage           `json:"stage"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SameAs compares the replay identity of two events.
func (e Event) SameAs(other Event) bool {
	return e.Stage == other.Stage &&
		e.Message == other.Message &&
		bytes.Equal(e.Data, other.Data)
}

// Reader is the read-only view of a trace handed out by the kernel.
type Reader interface {
	AgentID() string
	Role() string
	CreatedAt() time.Time
	MaxEntries() int
	Len() int
	Events() []Event
	Last() (Event, bool)
	IsReplayableWith(other Reader) bool
	Hash() (string, error)
	Document() Document
}

// ReadOnly returns a Reader over t that cannot be asserted back to *Trace,
// so holders can inspect the ring but never Record into or Drain it.
func ReadOnly(t *Trace) Reader { return view{t: t} }

type view struct{ t *Trace }

func (v view) AgentID() string                    { return v.t.AgentID() }
func (v view) Role() string                       { return v.t.Role() }
func (v view) CreatedAt() time.Time               { return v.t.CreatedAt() }
func (v view) MaxEntries() int                    { return v.t.MaxEntries() }
func (v view) Len() int                           { return v.t.Len() }
func (v view) Events() []Event                    { return v.t.Events() }
func (v view) Last() (Event, bool)                { return v.t.Last() }
func (v view) IsReplayableWith(other Reader) bool { return v.t.IsReplayableWith(other) }
func (v view) Hash() (string, error)              { return v.t.Hash() }
func (v view) Document() Document                 { return v.t.Document() }

// Trace is an append-only ring of events. It is not safe for concurrent
// use; the kernel that owns it serialises access.
type Trace struct {
	agentID    string
	role       string
	createdAt  time.Time
	maxEntries int
	clock      Clock

	ring  []Event
	start int
	size  int
}

var _ Reader = (*Trace)(nil)

// New creates an empty trace. maxEntries <= 0 means unbounded. A nil clock
// falls back to SystemClock.
func New(agentID, role string, maxEntries int, clock Clock) *Trace {
	if clock == nil {
		clock = SystemClock{}
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Trace{
		agentID:    agentID,
		role:       role,
		createdAt:  clock.Now(),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Record appends an event stamped with the trace clock. data is encoded as
// canonical JSON; nil data is omitted. When the ring is full the oldest
// event is dropped.
func (t *Trace) Record(stage Stage, message string, data any) {
	t.push(Event{
		Timestamp: t.clock.Now(),
		Stage:     stage,
		Message:   message,
		Data:      encodeData(data),
	})
}

func (t *Trace) push(e Event) {
	if t.maxEntries == 0 || t.size < t.maxEntries {
		// Until the ring first fills, start stays 0 and len(ring) == size.
		t.ring = append(t.ring, e)
		t.size++
		return
	}
	t.ring[t.start] = e
	t.start = (t.start + 1) % t.maxEntries
}

func encodeData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	var (
		b   []byte
		err error
	)
	if raw, ok := data.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil
		}
		b, err = canonicalize.Canonicalize(raw)
	} else {
		b, err = canonicalize.Marshal(data)
	}
	if err != nil {
		b, _ = canonicalize.Marshal(map[string]string{"encoding_error": err.Error()})
	}
	return b
}

// AgentID returns the owning agent.
func (t *Trace) AgentID() string { return t.agentID }

// Role returns the owning agent's role.
func (t *Trace) Role() string { return t.role }

// CreatedAt returns the creation time.
func (t *Trace) CreatedAt() time.Time { return t.createdAt }

// MaxEntries returns the ring capacity, 0 when unbounded.
func (t *Trace) MaxEntries() int { return t.maxEntries }

// Len returns the number of retained events.
func (t *Trace) Len() int { return t.size }

// Events returns a copy of the retained events, oldest first.
func (t *Trace) Events() []Event {
	out := make([]Event, t.size)
	for i := 0; i < t.size; i++ {
		out[i] = t.at(i)
	}
	return out
}

// Last returns the most recent event.
func (t *Trace) Last() (Event, bool) {
	if t.size == 0 {
		return Event{}, false
	}
	return t.at(t.size - 1), true
}

func (t *Trace) at(i int) Event {
	return t.ring[(t.start+i)%len(t.ring)]
}

// Drain returns all retained events and empties the ring.
func (t *Trace) Drain() []Event {
	out := t.Events()
	t.ring = nil
	t.start = 0
	t.size = 0
	return out
}

// IsReplayableWith reports whether both traces hold the same number of
// events and every positional pair agrees on (stage, message, data).
func (t *Trace) IsReplayableWith(other Reader) bool {
	if other == nil || t.Len() != other.Len() {
		return false
	}
	theirs := other.Events()
	for i, e := range t.Events() {
		if !e.SameAs(theirs[i]) {
			return false
		}
	}
	return true
}

type replayIdentity struct {
	Stage   Stage           `json:"stage"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hash returns the SHA-256 of the canonical replay identity of the retained
// events. Replay-equal traces have equal hashes.
func (t *Trace) Hash() (string, error) {
	ids := make([]replayIdentity, 0, t.size)
	for _, e := range t.Events() {
		ids = append(ids, replayIdentity{Stage: e.Stage, Message: e.Message, Data: e.Data})
	}
	h, err := canonicalize.Hash(ids)
	if err != nil {
		return "", fmt.Errorf("trace: hash: %w", err)
	}
	return h, nil
}

package trace

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is the persisted wire form of a trace. Hosts store it; the
// kernel never does.
type Document struct {
	AgentID    string    `json:"agent_id"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	Events     []Event   `json:"events"`
	MaxEntries *int      `json:"max_entries,omitempty"`
}

// Document snapshots the trace into its wire form.
func (t *Trace) Document() Document {
	doc := Document{
		AgentID:   t.agentID,
		Role:      t.role,
		CreatedAt: t.createdAt,
		Events:    t.Events(),
	}
	if t.maxEntries > 0 {
		m := t.maxEntries
		doc.MaxEntries = &m
	}
	return doc
}

// MarshalJSON encodes the trace in wire form.
func (t *Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Document())
}

// UnmarshalJSON restores a trace from wire form. The restored trace uses
// SystemClock for any further records.
func (t *Trace) UnmarshalJSON(b []byte) error {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("trace: decode: %w", err)
	}
	restored, err := FromDocument(doc, nil)
	if err != nil {
		return err
	}
	*t = *restored
	return nil
}

// FromDocument rebuilds a trace from its wire form, validating stages. If
// the document holds more events than max_entries, the oldest are dropped.
func FromDocument(doc Document, clock Clock) (*Trace, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	limit := 0
	if doc.MaxEntries != nil {
		if *doc.MaxEntries < 0 {
			return nil, fmt.Errorf("trace: negative max_entries %d", *doc.MaxEntries)
		}
		limit = *doc.MaxEntries
	}
	t := &Trace{
		agentID:    doc.AgentID,
		role:       doc.Role,
		createdAt:  doc.CreatedAt,
		maxEntries: limit,
		clock:      clock,
	}
	for i, e := range doc.Events {
		if !e.Stage.Valid() {
			return nil, fmt.Errorf("trace: event %d: unknown stage %q", i, e.Stage)
		}
		e.Data = encodeData(e.Data)
		t.push(e)
	}
	return t, nil
}

// Package schema validates the kernel's wire documents (proposal requests,
// persisted traces, signed commitments) against embedded JSON Schemas
// before they are decoded.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

//go:embed schemas/*.schema.json
var files embed.FS

const baseURL = "https://openibank.schemas.local/kernel/"

// Document names an embedded schema.
type Document string

const (
	Request    Document = "request"
	Trace      Document = "trace"
	Commitment Document = "commitment"
)

var (
	compileOnce sync.Once
	compiled    map[Document]*jsonschema.Schema
	compileErr  error
)

func load() (map[Document]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true

		docs := []Document{Request, Trace, Commitment}
		for _, d := range docs {
			raw, err := files.ReadFile("schemas/" + string(d) + ".schema.json")
			if err != nil {
				compileErr = fmt.Errorf("schema: read %s: %w", d, err)
				return
			}
			if err := c.AddResource(baseURL+string(d)+".schema.json", bytes.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("schema: load %s: %w", d, err)
				return
			}
		}
		out := make(map[Document]*jsonschema.Schema, len(docs))
		for _, d := range docs {
			s, err := c.Compile(baseURL + string(d) + ".schema.json")
			if err != nil {
				compileErr = fmt.Errorf("schema: compile %s: %w", d, err)
				return
			}
			out[d] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks raw JSON against the named schema.
func Validate(doc Document, raw []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	s, ok := schemas[doc]
	if !ok {
		return fmt.Errorf("schema: unknown document %q", doc)
	}
	v, err := unmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("schema: %s: invalid json: %w", doc, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema: %s validation failed: %w", doc, err)
	}
	return nil
}

// DecodeRequest validates raw against the request schema and decodes it.
func DecodeRequest(raw []byte) (contracts.ProposalRequest, error) {
	var req contracts.ProposalRequest
	if err := Validate(Request, raw); err != nil {
		return req, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("schema: decode request: %w", err)
	}
	return req, req.Validate()
}

// DecodeTrace validates raw against the trace schema and rebuilds the trace
// on clock.
func DecodeTrace(raw []byte, clock trace.Clock) (*trace.Trace, error) {
	if err := Validate(Trace, raw); err != nil {
		return nil, err
	}
	var doc trace.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: decode trace: %w", err)
	}
	return trace.FromDocument(doc, clock)
}

// DecodeCommitment validates raw against the commitment schema and decodes
// it. Signature checks are left to the caller.
func DecodeCommitment(raw []byte) (*contracts.SignedCommitment, error) {
	if err := Validate(Commitment, raw); err != nil {
		return nil, err
	}
	var sc contracts.SignedCommitment
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("schema: decode commitment: %w", err)
	}
	if err := sc.Proposal.Validate(); err != nil {
		return nil, fmt.Errorf("schema: commitment proposal: %w", err)
	}
	return &sc, nil
}

// unmarshalJSON decodes an instance document the way jsonschema/v5 expects
// (numbers kept as json.Number), rejecting trailing data.
func unmarshalJSON(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid character after top-level value")
	}
	return doc, nil
}

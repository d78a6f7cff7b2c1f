// Package records decodes an input file holding a JSON array into the
// serialized documents that get published, one per element.
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"mtl-publisher/internal/errs"
)

// Sequence is a finite, forward-only run of compact JSON documents.
// It is not safe for concurrent use and cannot be restarted.
type Sequence struct {
	elems []json.RawMessage
	next  int
}

// Decode reads r to completion and splits its top-level array into
// elements. It fails with errs.ErrMalformedInput if r is not valid JSON or
// its top-level value is not an array, and with errs.ErrUsage if r cannot
// be read.
func Decode(r io.Reader) (*Sequence, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read input: %w", errs.ErrUsage, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", errs.ErrMalformedInput)
	}
	if trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: top-level value is not an array", errs.ErrMalformedInput)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrMalformedInput, err)
	}

	return &Sequence{elems: elems}, nil
}

// Len reports the number of documents in the sequence, consumed or not.
func (s *Sequence) Len() int {
	return len(s.elems)
}

// Remaining reports how many documents Next has yet to yield.
func (s *Sequence) Remaining() int {
	return len(s.elems) - s.next
}

// Next yields the next element re-serialized without insignificant
// whitespace. ok is false once the sequence is exhausted.
func (s *Sequence) Next() (doc string, ok bool) {
	if s.next >= len(s.elems) {
		return "", false
	}
	elem := s.elems[s.next]
	s.elems[s.next] = nil
	s.next++

	var buf bytes.Buffer
	// elem was validated by Unmarshal, Compact cannot fail on it
	_ = json.Compact(&buf, elem)
	return buf.String(), true
}

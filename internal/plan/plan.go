// Package plan renders a flush plan - queued operations plus the mutation
// trace a dry run produced - as canonical JSON for golden comparison and
// CLI output.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/calderdb/calder/internal/action"
	"github.com/calderdb/calder/internal/session"
)

// Trace is one renderable flush plan.
type Trace struct {
	// Name identifies the plan (fixture name in the CLI, scenario name in
	// tests). Never a session id: ids are random and would break golden
	// comparison.
	Name string

	// Queued are the pending operations in execution order, captured
	// before the flush ran.
	Queued []Step

	// Mutations is the executed mutation trace, in database order.
	Mutations []MutationStep
}

// Step is one queued operation.
type Step struct {
	Kind   string
	Entity string
	Key    string
	Spaces []string
	Seq    int64
}

// MutationStep is one executed mutation.
type MutationStep struct {
	Verb   string
	Entity string
	Table  string
	Key    string
	Role   string
	Spaces []string
	Seq    int64
}

// FromQueue captures the queue's pending operations under the given name.
func FromQueue(name string, q *action.Queue) *Trace {
	t := &Trace{Name: name}
	for _, entry := range q.Snapshot() {
		t.Queued = append(t.Queued, Step{
			Kind:   entry.Kind.String(),
			Entity: entry.EntityName,
			Key:    entry.Key,
			Spaces: entry.Spaces,
			Seq:    entry.Seq,
		})
	}
	return t
}

// AddMutations appends a recording executor's trace to the plan.
func (t *Trace) AddMutations(mem *session.MemoryExecutor) {
	for _, m := range mem.Mutations() {
		t.Mutations = append(t.Mutations, MutationStep{
			Verb:   string(m.Verb),
			Entity: m.EntityName,
			Table:  m.Table,
			Key:    m.Key,
			Role:   m.Role,
			Spaces: m.Spaces,
			Seq:    m.Seq,
		})
	}
}

// MarshalCanonical produces the canonical rendering: object keys in fixed
// alphabetical order, strings NFC normalized, no HTML escaping, no floats.
// Byte-identical input plans produce byte-identical output, which is what
// golden comparison needs.
func (t *Trace) MarshalCanonical() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKey(&buf, "mutations")
	buf.WriteByte('[')
	for i, m := range t.Mutations {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMutation(&buf, m); err != nil {
			return nil, err
		}
	}
	buf.WriteString("],")
	writeKey(&buf, "name")
	if err := writeString(&buf, t.Name); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	writeKey(&buf, "queued")
	buf.WriteByte('[')
	for i, s := range t.Queued {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeStep(&buf, s); err != nil {
			return nil, err
		}
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

func writeStep(buf *bytes.Buffer, s Step) error {
	buf.WriteByte('{')
	writeKey(buf, "entity")
	if err := writeString(buf, s.Entity); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "key")
	if err := writeString(buf, s.Key); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "kind")
	if err := writeString(buf, s.Kind); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "seq")
	fmt.Fprintf(buf, "%d", s.Seq)
	buf.WriteByte(',')
	writeKey(buf, "spaces")
	if err := writeStrings(buf, s.Spaces); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func writeMutation(buf *bytes.Buffer, m MutationStep) error {
	buf.WriteByte('{')
	writeKey(buf, "entity")
	if err := writeString(buf, m.Entity); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "key")
	if err := writeString(buf, m.Key); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "role")
	if err := writeString(buf, m.Role); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "seq")
	fmt.Fprintf(buf, "%d", m.Seq)
	buf.WriteByte(',')
	writeKey(buf, "spaces")
	if err := writeStrings(buf, m.Spaces); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "table")
	if err := writeString(buf, m.Table); err != nil {
		return err
	}
	buf.WriteByte(',')
	writeKey(buf, "verb")
	if err := writeString(buf, m.Verb); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func writeKey(buf *bytes.Buffer, key string) {
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
}

func writeStrings(buf *bytes.Buffer, values []string) error {
	buf.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// writeString encodes one string with NFC normalization and HTML escaping
// disabled, so <, > and & survive untouched.
func writeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	// json.Encoder adds a trailing newline, drop it.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

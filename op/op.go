package op

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the mutation vocabulary.
type Type string

const (
	TypeSet         Type = "set"
	TypeArrayInsert Type = "array-insert"
	TypeArrayDelete Type = "array-delete"
	TypeArrayMove   Type = "array-move"
	TypeObjectMerge Type = "object-merge"
	// TypeNoop is produced by the transform engine when an operation has been
	// fully absorbed by a concurrent one (e.g. a double delete). It still
	// commits and advances the branch version.
	TypeNoop Type = "noop"
)

// Payload is the operation's type-specific data. Exactly one concrete payload
// exists per Type; the transform engine switches over them exhaustively.
type Payload interface {
	Kind() Type
}

// Set replaces the value at the path.
type Set struct {
	Value any `json:"value"`
}

// ArrayInsert inserts Value at Index in the array at the path.
type ArrayInsert struct {
	Index int `json:"index"`
	Value any `json:"value"`
}

// ArrayDelete removes the element at Index in the array at the path.
type ArrayDelete struct {
	Index int `json:"index"`
}

// ArrayMove moves the element at From to To within the array at the path.
type ArrayMove struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ObjectMerge shallow-merges Fields into the object at the path.
type ObjectMerge struct {
	Fields map[string]any `json:"fields"`
}

// Noop carries nothing.
type Noop struct{}

func (Set) Kind() Type         { return TypeSet }
func (ArrayInsert) Kind() Type { return TypeArrayInsert }
func (ArrayDelete) Kind() Type { return TypeArrayDelete }
func (ArrayMove) Kind() Type   { return TypeArrayMove }
func (ObjectMerge) Kind() Type { return TypeObjectMerge }
func (Noop) Kind() Type        { return TypeNoop }

// Author identifies who submitted an operation.
type Author struct {
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
}

// Operation is an immutable mutation request. Once accepted it is appended to
// the room's operation log and never modified; transforms produce copies.
type Operation struct {
	ID        string   `json:"operationId"`
	RoomID    string   `json:"roomId"`
	Branch    string   `json:"branch"`
	Type      Type     `json:"type"`
	Path      []string `json:"path"`
	Payload   Payload  `json:"-"`
	Author    Author   `json:"author"`
	Timestamp int64    `json:"timestamp"` // unix nanos at submission
	Version   int64    `json:"version"`   // branch version the author saw
	Deps      Clock    `json:"deps"`      // causal snapshot at creation
	Priority  int      `json:"priority,omitempty"`
	// Committed is the branch version this operation produced. Zero until
	// the engine commits it.
	Committed int64 `json:"committedVersion,omitempty"`
}

// Limits are the structural bounds enforced by New. Zero values fall back to
// the engine defaults.
type Limits struct {
	MaxPathDepth  int
	MaxValueBytes int
}

const (
	defaultMaxPathDepth  = 16
	defaultMaxValueBytes = 256 * 1024
)

// ValidationError reports a malformed operation. It is the caller's bug and
// is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s: %s", e.Field, e.Reason)
}

// New builds a validated operation. The causal snapshot is cloned so later
// clock advances don't mutate the operation.
func New(roomID, branch string, path []string, p Payload, author Author, version int64, deps Clock) (*Operation, error) {
	return NewWithLimits(roomID, branch, path, p, author, version, deps, Limits{})
}

// NewWithLimits is New with explicit structural bounds.
func NewWithLimits(roomID, branch string, path []string, p Payload, author Author, version int64, deps Clock, lim Limits) (*Operation, error) {
	o := &Operation{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Branch:    branch,
		Path:      append([]string(nil), path...),
		Payload:   p,
		Author:    author,
		Timestamp: time.Now().UnixNano(),
		Version:   version,
		Deps:      deps.Clone(),
	}
	if p != nil {
		o.Type = p.Kind()
	}
	if err := o.Validate(lim); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the operation's structural bounds. New runs it at
// construction; operations decoded off the wire bypass New, so the engine
// runs it again before the commit pipeline.
func (o *Operation) Validate(lim Limits) error {
	if lim.MaxPathDepth <= 0 {
		lim.MaxPathDepth = defaultMaxPathDepth
	}
	if lim.MaxValueBytes <= 0 {
		lim.MaxValueBytes = defaultMaxValueBytes
	}
	if o.RoomID == "" {
		return &ValidationError{Field: "roomId", Reason: "required"}
	}
	if o.Branch == "" {
		return &ValidationError{Field: "branch", Reason: "required"}
	}
	if o.Author.ClientID == "" {
		return &ValidationError{Field: "author.clientId", Reason: "required"}
	}
	if o.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if len(o.Path) == 0 && o.Payload.Kind() != TypeNoop {
		return &ValidationError{Field: "path", Reason: "must not be empty"}
	}
	if len(o.Path) > lim.MaxPathDepth {
		return &ValidationError{Field: "path", Reason: fmt.Sprintf("depth %d exceeds maximum %d", len(o.Path), lim.MaxPathDepth)}
	}
	switch v := o.Payload.(type) {
	case ArrayInsert:
		if v.Index < 0 {
			return &ValidationError{Field: "index", Reason: "must be non-negative"}
		}
	case ArrayDelete:
		if v.Index < 0 {
			return &ValidationError{Field: "index", Reason: "must be non-negative"}
		}
	case ArrayMove:
		if v.From < 0 || v.To < 0 {
			return &ValidationError{Field: "index", Reason: "must be non-negative"}
		}
	case ObjectMerge:
		if len(v.Fields) == 0 {
			return &ValidationError{Field: "fields", Reason: "must not be empty"}
		}
	}
	if size := payloadSize(o.Payload); size > lim.MaxValueBytes {
		return &ValidationError{Field: "value", Reason: fmt.Sprintf("payload size %d exceeds maximum %d", size, lim.MaxValueBytes)}
	}
	return nil
}

func payloadSize(p Payload) int {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}

// Clone returns a copy safe to transform without touching the original.
func (o *Operation) Clone() *Operation {
	c := *o
	c.Path = append([]string(nil), o.Path...)
	c.Deps = o.Deps.Clone()
	return &c
}

// WithPayload returns a copy carrying a different payload (and its type tag).
func (o *Operation) WithPayload(p Payload) *Operation {
	c := o.Clone()
	c.Payload = p
	c.Type = p.Kind()
	return c
}

// SamePath reports whether both operations target exactly the same path.
func (o *Operation) SamePath(other *Operation) bool {
	if len(o.Path) != len(other.Path) {
		return false
	}
	for i := range o.Path {
		if o.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

// OverlapsPath reports whether one operation's path is a prefix of the
// other's, i.e. one edits inside a subtree the other replaces.
func (o *Operation) OverlapsPath(other *Operation) bool {
	n := len(o.Path)
	if len(other.Path) < n {
		n = len(other.Path)
	}
	for i := 0; i < n; i++ {
		if o.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

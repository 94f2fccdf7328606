package op

import (
	"encoding/json"
	"fmt"
)

// wireOperation is the JSON shape: the payload is tagged by the operation
// type and decoded into the matching concrete struct.
type wireOperation struct {
	ID        string          `json:"operationId"`
	RoomID    string          `json:"roomId"`
	Branch    string          `json:"branch"`
	Type      Type            `json:"type"`
	Path      []string        `json:"path"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Author    Author          `json:"author"`
	Timestamp int64           `json:"timestamp"`
	Version   int64           `json:"version"`
	Deps      Clock           `json:"deps,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	Committed int64           `json:"committedVersion,omitempty"`
}

func (o *Operation) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if o.Payload != nil {
		b, err := json.Marshal(o.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(wireOperation{
		ID:        o.ID,
		RoomID:    o.RoomID,
		Branch:    o.Branch,
		Type:      o.Type,
		Path:      o.Path,
		Payload:   raw,
		Author:    o.Author,
		Timestamp: o.Timestamp,
		Version:   o.Version,
		Deps:      o.Deps,
		Priority:  o.Priority,
		Committed: o.Committed,
	})
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*o = Operation{
		ID:        w.ID,
		RoomID:    w.RoomID,
		Branch:    w.Branch,
		Type:      w.Type,
		Path:      w.Path,
		Payload:   p,
		Author:    w.Author,
		Timestamp: w.Timestamp,
		Version:   w.Version,
		Deps:      w.Deps,
		Priority:  w.Priority,
		Committed: w.Committed,
	}
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		if t == TypeNoop {
			return Noop{}, nil
		}
		return nil, fmt.Errorf("operation type %q requires a payload", t)
	}
	switch t {
	case TypeSet:
		var p Set
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeArrayInsert:
		var p ArrayInsert
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeArrayDelete:
		var p ArrayDelete
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeArrayMove:
		var p ArrayMove
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeObjectMerge:
		var p ObjectMerge
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeNoop:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown operation type: %q", t)
	}
}

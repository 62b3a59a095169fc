package schema

import (
	"encoding/json"
	"fmt"
)

// Kind tells whether a schema describes a node type or is referenced by one.
type Kind int

const (
	// KindAuto resolves to KindPrimary when a node type of that name is
	// already registered and to KindAux otherwise.
	KindAuto Kind = iota
	KindPrimary
	KindAux
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindAux:
		return "aux"
	default:
		return "auto"
	}
}

type Op int

const (
	OpInsert Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insertion"
	case OpDelete:
		return "deletion"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// SchemaChange is a live update to the schemas of one namespace.
type SchemaChange struct {
	Op        Op
	Namespace string
	ID        string
	Kind      Kind
	// Document is the raw schema for insertions.
	Document json.RawMessage
}

type changeMessage struct {
	Cmd  string          `json:"cmd"`
	NS   string          `json:"ns"`
	Name string          `json:"name"`
	Type string          `json:"type"`
	JSON json.RawMessage `json:"json"`
}

const changeCmd = "schema_change"

// DecodeChangeMessage parses a control message of the form
//
//	{"cmd":"schema_change","ns":...,"name":...,"type":"insertion"|"deletion","json":...}
//
// The boolean is false when data is a control message for something else.
func DecodeChangeMessage(data []byte) (SchemaChange, bool, error) {
	var msg changeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SchemaChange{}, false, fmt.Errorf("decode control message: %w", err)
	}
	if msg.Cmd != changeCmd {
		return SchemaChange{}, false, nil
	}
	if msg.NS == "" || msg.Name == "" {
		return SchemaChange{}, true, fmt.Errorf("schema change needs ns and name")
	}

	change := SchemaChange{Namespace: msg.NS, ID: msg.Name, Kind: KindAuto}
	switch msg.Type {
	case "insertion":
		if len(msg.JSON) == 0 {
			return SchemaChange{}, true, fmt.Errorf("schema insertion of %s carries no json", msg.Name)
		}
		change.Op = OpInsert
		change.Document = msg.JSON
	case "deletion":
		change.Op = OpDelete
	default:
		return SchemaChange{}, true, fmt.Errorf("unknown schema change type %q", msg.Type)
	}
	return change, true, nil
}

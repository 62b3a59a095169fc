package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ACL lists the principals allowed to read and write a node.
type ACL struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// Linkage maps a relation name to the ordered ids of the nodes it points at.
type Linkage map[string][]string

// Relations returns the relation names in a stable order.
func (l Linkage) Relations() []string {
	rels := make([]string, 0, len(l))
	for rel := range l {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels
}

// Node is the document managed by the node store. ID and Ver are derived from
// the stored document and are never part of the persisted body.
type Node struct {
	ID       string          `json:"id,omitempty"`
	Ver      int             `json:"ver,omitempty"`
	NS       string          `json:"ns"`
	NodeType string          `json:"node_type"`
	ACL      ACL             `json:"acl"`
	Meta     json.RawMessage `json:"meta"`
	Linkage  Linkage         `json:"linkage"`
}

// Body returns the persisted form of the node: everything except id and ver.
func (n Node) Body() ([]byte, error) {
	n.ID = ""
	n.Ver = 0
	return n.Marshal()
}

// Marshal encodes the node in its canonical JSON form.
func (n Node) Marshal() ([]byte, error) {
	if n.ACL.Read == nil {
		n.ACL.Read = []string{}
	}
	if n.ACL.Write == nil {
		n.ACL.Write = []string{}
	}
	if n.Linkage == nil {
		n.Linkage = Linkage{}
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	return data, nil
}

// DecodeNode parses a persisted body and stamps it with id and ver.
func DecodeNode(id string, ver int, body []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	n.ID = id
	n.Ver = ver
	return &n, nil
}

// LinkageReport is the result of an inbound or outbound linkage query.
type LinkageReport struct {
	ResultCount int     `json:"result_count"`
	Page        int     `json:"page"`
	Results     []*Node `json:"results"`
}

// NewLinkageReport assembles a single page report from the given nodes.
func NewLinkageReport(nodes []*Node) *LinkageReport {
	if nodes == nil {
		nodes = []*Node{}
	}
	return &LinkageReport{
		ResultCount: len(nodes),
		Page:        1,
		Results:     nodes,
	}
}

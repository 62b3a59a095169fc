package node

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/i5heu/nodestore/pkg/nodeerr"
	"github.com/i5heu/nodestore/pkg/types"
)

// parseDocument checks the structure of an incoming node and decodes it.
// With requireVer the document must carry an integer ver, which is returned.
func parseDocument(raw []byte, requireVer bool) (*types.Node, int, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, 0, nodeerr.MalformedDocument.New("document is not a JSON object")
	}

	ver := 0
	if requireVer {
		rawVer, ok := fields["ver"]
		if !ok || isNull(rawVer) {
			return nil, 0, nodeerr.VersionMissing.New("document has no ver")
		}
		v, err := strconv.Atoi(string(bytes.TrimSpace(rawVer)))
		if err != nil {
			return nil, 0, nodeerr.MalformedDocument.New("ver must be an integer")
		}
		ver = v
	}

	ns, err := requireString(fields, "ns")
	if err != nil {
		return nil, 0, err
	}
	nodeType, err := requireString(fields, "node_type")
	if err != nil {
		return nil, 0, err
	}
	acl, err := requireACL(fields)
	if err != nil {
		return nil, 0, err
	}

	meta, ok := fields["meta"]
	if !ok || isNull(meta) {
		return nil, 0, nodeerr.MalformedDocument.New("meta is required")
	}

	rawLinkage, ok := fields["linkage"]
	if !ok || isNull(rawLinkage) {
		return nil, 0, nodeerr.MalformedDocument.New("linkage is required")
	}
	var linkage types.Linkage
	if err := json.Unmarshal(rawLinkage, &linkage); err != nil {
		return nil, 0, nodeerr.MalformedDocument.New("linkage must map relations to arrays of node ids")
	}

	return &types.Node{
		NS:       ns,
		NodeType: nodeType,
		ACL:      acl,
		Meta:     append(json.RawMessage(nil), meta...),
		Linkage:  linkage,
	}, ver, nil
}

func requireString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nodeerr.MalformedDocument.New("%s is required", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", nodeerr.MalformedDocument.New("%s must be a non-empty string", name)
	}
	return s, nil
}

func requireACL(fields map[string]json.RawMessage) (types.ACL, error) {
	raw, ok := fields["acl"]
	if !ok || isNull(raw) {
		return types.ACL{}, nodeerr.MalformedDocument.New("acl is required")
	}
	var lists map[string]json.RawMessage
	if err := json.Unmarshal(raw, &lists); err != nil {
		return types.ACL{}, nodeerr.MalformedDocument.New("acl must be an object")
	}

	var acl types.ACL
	for _, entry := range []struct {
		name string
		dst  *[]string
	}{{"read", &acl.Read}, {"write", &acl.Write}} {
		list, ok := lists[entry.name]
		if !ok || isNull(list) {
			return types.ACL{}, nodeerr.MalformedDocument.New("acl.%s is required", entry.name)
		}
		if err := json.Unmarshal(list, entry.dst); err != nil {
			return types.ACL{}, nodeerr.MalformedDocument.New("acl.%s must be an array of principals", entry.name)
		}
	}
	return acl, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

package docstore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the on-disk record framing.
const (
	recordRev        protowire.Number = 1
	recordBody       protowire.Number = 2
	recordAttachment protowire.Number = 3

	edgeSource   protowire.Number = 1
	edgeRelation protowire.Number = 2
	edgePosition protowire.Number = 3
	edgeTarget   protowire.Number = 4
)

type record struct {
	rev         string
	body        []byte
	attachments []string
}

func encodeRecord(r record) []byte {
	b := make([]byte, 0, len(r.body)+len(r.rev)+16)
	b = protowire.AppendTag(b, recordRev, protowire.BytesType)
	b = protowire.AppendString(b, r.rev)
	b = protowire.AppendTag(b, recordBody, protowire.BytesType)
	b = protowire.AppendBytes(b, r.body)
	for _, name := range r.attachments {
		b = protowire.AppendTag(b, recordAttachment, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	return b
}

func decodeRecord(b []byte) (record, error) {
	var r record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return record{}, fmt.Errorf("decode record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return record{}, fmt.Errorf("skip record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return record{}, fmt.Errorf("decode record field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case recordRev:
			r.rev = string(v)
		case recordBody:
			r.body = append([]byte(nil), v...)
		case recordAttachment:
			r.attachments = append(r.attachments, string(v))
		}
	}
	if r.rev == "" {
		return record{}, fmt.Errorf("decode record: %w", ErrInvalidRevision)
	}
	return r, nil
}

func encodeEdge(e Edge) []byte {
	b := make([]byte, 0, len(e.Source)+len(e.Relation)+len(e.Target)+12)
	b = protowire.AppendTag(b, edgeSource, protowire.BytesType)
	b = protowire.AppendString(b, e.Source)
	b = protowire.AppendTag(b, edgeRelation, protowire.BytesType)
	b = protowire.AppendString(b, e.Relation)
	b = protowire.AppendTag(b, edgePosition, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Position))
	b = protowire.AppendTag(b, edgeTarget, protowire.BytesType)
	b = protowire.AppendString(b, e.Target)
	return b
}

func decodeEdge(b []byte) (Edge, error) {
	var e Edge
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Edge{}, fmt.Errorf("decode edge tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == edgePosition && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Edge{}, fmt.Errorf("decode edge position: %w", protowire.ParseError(n))
			}
			e.Position = int(v)
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Edge{}, fmt.Errorf("decode edge field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case edgeSource:
				e.Source = string(v)
			case edgeRelation:
				e.Relation = string(v)
			case edgeTarget:
				e.Target = string(v)
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Edge{}, fmt.Errorf("skip edge field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

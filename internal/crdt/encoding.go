package crdt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/driftkit/driftkit/internal/errs"
)

// Wire format (Yjs-V2-compatible in spirit: a magic/version header
// followed by a flat list of causally-stamped ops, each independently
// mergeable by a receiver's state vector):
//
//	magic   uint16 = 0xD4C7
//	version uint8  = 1
//	opCount uint32
//	op* {
//	  documentID  string  (uint16 len prefix)
//	  kind        uint8   (0 = set, 1 = delete)
//	  clientID    uint32
//	  counter     uint64
//	  field       string  (uint16 len prefix, kind == set only)
//	  value       []byte  (uint32 len prefix, JSON-encoded, kind == set only)
//	  deletedFlag uint8   (kind == delete only)
//	}
const (
	wireMagic   uint16 = 0xD4C7
	wireVersion uint8  = 1
)

type opKind uint8

const (
	opSet opKind = iota
	opDelete
)

type encodedOp struct {
	documentID string
	kind       opKind
	field      string
	reg        register
}

func encodeOps(ops []encodedOp) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, wireMagic); err != nil {
		return nil, errs.New(errs.KindCRDTEncoding, "write magic", err)
	}
	if err := buf.WriteByte(wireVersion); err != nil {
		return nil, errs.New(errs.KindCRDTEncoding, "write version", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ops))); err != nil {
		return nil, errs.New(errs.KindCRDTEncoding, "write op count", err)
	}

	for _, op := range ops {
		if err := writeString(&buf, op.documentID); err != nil {
			return nil, err
		}
		if err := buf.WriteByte(byte(op.kind)); err != nil {
			return nil, errs.New(errs.KindCRDTEncoding, "write op kind", err)
		}
		if err := binary.Write(&buf, binary.BigEndian, op.reg.clientID); err != nil {
			return nil, errs.New(errs.KindCRDTEncoding, "write clientID", err)
		}
		if err := binary.Write(&buf, binary.BigEndian, op.reg.counter); err != nil {
			return nil, errs.New(errs.KindCRDTEncoding, "write counter", err)
		}

		switch op.kind {
		case opSet:
			if err := writeString(&buf, op.field); err != nil {
				return nil, err
			}
			valueJSON, err := json.Marshal(op.reg.value)
			if err != nil {
				return nil, errs.New(errs.KindCRDTEncoding, "marshal field value", err)
			}
			if err := binary.Write(&buf, binary.BigEndian, uint32(len(valueJSON))); err != nil {
				return nil, errs.New(errs.KindCRDTEncoding, "write value length", err)
			}
			buf.Write(valueJSON)
		case opDelete:
			deleted, _ := op.reg.value.(bool)
			var flag byte
			if deleted {
				flag = 1
			}
			if err := buf.WriteByte(flag); err != nil {
				return nil, errs.New(errs.KindCRDTEncoding, "write deleted flag", err)
			}
		}
	}
	return buf.Bytes(), nil
}

// decodeOps decodes one update, or several updates written back to back.
func decodeOps(data []byte) ([]encodedOp, error) {
	r := bytes.NewReader(data)
	var all []encodedOp
	for {
		ops, err := decodeOne(r)
		if err != nil {
			return nil, err
		}
		all = append(all, ops...)
		if r.Len() == 0 {
			return all, nil
		}
	}
}

func decodeOne(r *bytes.Reader) ([]encodedOp, error) {
	var magic uint16
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, errs.New(errs.KindCorruptDelta, "read magic", err)
	}
	if magic != wireMagic {
		return nil, errs.New(errs.KindCorruptDelta, fmt.Sprintf("bad magic %#x", magic), nil)
	}

	version, err := r.ReadByte()
	if err != nil {
		return nil, errs.New(errs.KindCorruptDelta, "read version", err)
	}
	if version != wireVersion {
		return nil, errs.New(errs.KindCorruptDelta, fmt.Sprintf("unsupported wire version %d", version), nil)
	}

	var opCount uint32
	if err := binary.Read(r, binary.BigEndian, &opCount); err != nil {
		return nil, errs.New(errs.KindCorruptDelta, "read op count", err)
	}

	ops := make([]encodedOp, 0, opCount)
	for i := uint32(0); i < opCount; i++ {
		documentID, err := readString(r)
		if err != nil {
			return nil, err
		}

		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, errs.New(errs.KindCorruptDelta, "read op kind", err)
		}
		kind := opKind(kindByte)

		var clientID uint32
		if err := binary.Read(r, binary.BigEndian, &clientID); err != nil {
			return nil, errs.New(errs.KindCorruptDelta, "read clientID", err)
		}
		var counter uint64
		if err := binary.Read(r, binary.BigEndian, &counter); err != nil {
			return nil, errs.New(errs.KindCorruptDelta, "read counter", err)
		}

		op := encodedOp{documentID: documentID, kind: kind, reg: register{clientID: clientID, counter: counter}}

		switch kind {
		case opSet:
			field, err := readString(r)
			if err != nil {
				return nil, err
			}
			op.field = field

			var valueLen uint32
			if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
				return nil, errs.New(errs.KindCorruptDelta, "read value length", err)
			}
			if int(valueLen) > r.Len() {
				return nil, errs.New(errs.KindCorruptDelta, "value length exceeds buffer", nil)
			}
			valueJSON := make([]byte, valueLen)
			if _, err := r.Read(valueJSON); err != nil {
				return nil, errs.New(errs.KindCorruptDelta, "read value bytes", err)
			}
			var value any
			if err := json.Unmarshal(valueJSON, &value); err != nil {
				return nil, errs.New(errs.KindCorruptDelta, "unmarshal field value", err)
			}
			op.reg.value = value
		case opDelete:
			flag, err := r.ReadByte()
			if err != nil {
				return nil, errs.New(errs.KindCorruptDelta, "read deleted flag", err)
			}
			op.reg.value = flag == 1
		default:
			return nil, errs.New(errs.KindCorruptDelta, fmt.Sprintf("unknown op kind %d", kindByte), nil)
		}

		ops = append(ops, op)
	}
	return ops, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return errs.New(errs.KindCRDTEncoding, "string exceeds 65535 bytes", nil)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return errs.New(errs.KindCRDTEncoding, "write string length", err)
	}
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", errs.New(errs.KindCorruptDelta, "read string length", err)
	}
	if int(n) > r.Len() {
		return "", errs.New(errs.KindCorruptDelta, "string length exceeds buffer", nil)
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", errs.New(errs.KindCorruptDelta, "read string bytes", err)
	}
	return string(b), nil
}

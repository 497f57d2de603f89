package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same statement always
// packs to identical bytes regardless of which side packed it.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: cbor encoder initialization failed: " + err.Error())
	}
}

// BinaryConduit is the compact binary encoding. Each statement is one
// CBOR array; if the leading element is an opcode present in the shared
// codebook it is replaced by its index (and restored on decode). The
// codebook is fixed per conduit instance and retrievable by the peer so
// both sides agree on the index mapping.
type BinaryConduit struct {
	codebook []string
	reverse  map[string]int64
}

// NewBinaryConduit builds a conduit over the given ordered opcode list.
func NewBinaryConduit(codebook []string) *BinaryConduit {
	reverse := make(map[string]int64, len(codebook))
	for i, op := range codebook {
		reverse[op] = int64(i)
	}
	return &BinaryConduit{codebook: codebook, reverse: reverse}
}

// Codebook returns the ordered opcode list this conduit substitutes.
func (c *BinaryConduit) Codebook() []string {
	out := make([]string, len(c.codebook))
	copy(out, c.codebook)
	return out
}

func (c *BinaryConduit) Binary() bool { return true }

func (c *BinaryConduit) Pack(stmt Statement) ([]byte, error) {
	arr := make([]any, len(stmt))
	for i, p := range stmt {
		arr[i] = p
	}
	if len(arr) > 0 {
		if op, ok := arr[0].(string); ok {
			if idx, known := c.reverse[op]; known {
				arr[0] = idx
			}
		}
	}
	data, err := encMode.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("wire: pack binary: %w", err)
	}
	return data, nil
}

func (c *BinaryConduit) Unpack(frame []byte) ([]Statement, error) {
	dec := cbor.NewDecoder(bytes.NewReader(frame))

	var stmts []Statement
	for {
		var arr []any
		if err := dec.Decode(&arr); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrFraming, err)
		}
		stmt := make(Statement, len(arr))
		for i, v := range arr {
			stmt[i] = normalizeCBOR(v)
		}
		if len(stmt) > 0 {
			if idx, ok := stmt[0].(int64); ok && idx >= 0 && idx < int64(len(c.codebook)) {
				stmt[0] = c.codebook[idx]
			}
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func normalizeCBOR(v any) Prim {
	switch n := v.(type) {
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return v
	}
}

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// JSONConduit encodes one statement per top-level JSON array. A frame is
// a concatenated (optionally newline-delimited) sequence of such arrays.
// Blobs are transported as base64 strings, which is encoding/json's
// native []byte representation.
type JSONConduit struct{}

func (JSONConduit) Binary() bool { return false }

func (JSONConduit) Pack(stmt Statement) ([]byte, error) {
	arr := make([]any, len(stmt))
	for i, p := range stmt {
		arr[i] = p
	}
	data, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("wire: pack json: %w", err)
	}
	return append(data, '\n'), nil
}

func (JSONConduit) Unpack(frame []byte) ([]Statement, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()

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
			stmt[i] = normalizeJSON(v)
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func normalizeJSON(v any) Prim {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	if n, err := strconv.ParseInt(num.String(), 10, 64); err == nil {
		return n
	}
	f, _ := num.Float64()
	return int64(f)
}

package wire

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// TextConduit is the default length-delimited text encoding. Every
// primitive is serialized as "<byte-length>.<payload>", elements are
// joined with "," and statements terminated by ";". Blobs travel as
// base64, numbers and booleans as their string forms. All primitives
// decode as strings.
type TextConduit struct{}

func (TextConduit) Binary() bool { return false }

func (TextConduit) Pack(stmt Statement) ([]byte, error) {
	var b strings.Builder
	for i, p := range stmt {
		if i > 0 {
			b.WriteByte(',')
		}
		var payload string
		if blob, ok := p.([]byte); ok {
			payload = base64.StdEncoding.EncodeToString(blob)
		} else {
			payload = EnsureString(p)
		}
		b.WriteString(strconv.Itoa(len(payload)))
		b.WriteByte('.')
		b.WriteString(payload)
	}
	b.WriteByte(';')
	return []byte(b.String()), nil
}

func (TextConduit) Unpack(frame []byte) ([]Statement, error) {
	data := string(frame)
	if !utf8.ValidString(data) {
		return nil, fmt.Errorf("%w: frame is not valid utf-8", ErrFraming)
	}

	var stmts []Statement
	var current Statement
	pos := 0
	for pos < len(data) {
		dot := strings.IndexByte(data[pos:], '.')
		if dot < 0 {
			return nil, fmt.Errorf("%w: element at offset %d has no length prefix", ErrFraming, pos)
		}
		length, err := strconv.Atoi(data[pos : pos+dot])
		if err != nil || length < 0 {
			return nil, fmt.Errorf("%w: bad length prefix at offset %d", ErrFraming, pos)
		}
		start := pos + dot + 1
		end := start + length
		if end > len(data) {
			return nil, fmt.Errorf("%w: element at offset %d overruns frame", ErrFraming, pos)
		}
		current = append(current, data[start:end])

		if end >= len(data) {
			return nil, fmt.Errorf("%w: unterminated statement", ErrFraming)
		}
		switch data[end] {
		case ',':
		case ';':
			stmts = append(stmts, current)
			current = nil
		default:
			return nil, fmt.Errorf("%w: unexpected separator %q at offset %d", ErrFraming, data[end], end)
		}
		pos = end + 1
	}
	if current != nil {
		return nil, fmt.Errorf("%w: unterminated statement", ErrFraming)
	}
	return stmts, nil
}

package wire

import (
	"encoding/base64"
	"errors"
	"strconv"
)

// Prim is a single wire primitive: int64, string, bool, []byte, or nil.
// Conduits may narrow the representation (the text conduit decodes every
// primitive as a string); consumers coerce with the Ensure helpers instead
// of type-asserting.
type Prim any

// Statement is one decoded instruction: an opcode followed by its
// positional arguments.
type Statement []Prim

// ErrFraming marks a malformed inbound frame. Framing errors drop the
// offending frame and keep the connection open.
var ErrFraming = errors.New("wire: malformed frame")

// Conduit is the pluggable encoding strategy for a single connection.
// A frame may carry several statements; Pack always emits exactly one.
// Implementations must be safe to swap mid-session: they hold no framing
// state between calls.
type Conduit interface {
	Pack(stmt Statement) ([]byte, error)
	Unpack(frame []byte) ([]Statement, error)
	// Binary reports whether packed frames are binary websocket messages.
	Binary() bool
}

// EnsureString coerces a primitive to a string.
func EnsureString(p Prim) string {
	switch v := p.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// EnsureInt coerces a primitive to an int64. Unparseable values become 0.
func EnsureInt(p Prim) int64 {
	switch v := p.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	default:
		return 0
	}
}

// EnsureBool coerces a primitive to a bool.
func EnsureBool(p Prim) bool {
	switch v := p.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch v {
		case "true", "1", "on", "yes":
			return true
		}
		return false
	default:
		return false
	}
}

// EnsureBlob coerces a primitive to raw bytes. Strings are assumed to be
// base64 (the text and JSON conduits transport blobs that way); a string
// that fails to decode is returned as its raw bytes.
func EnsureBlob(p Prim) []byte {
	switch v := p.(type) {
	case nil:
		return nil
	case []byte:
		return v
	case string:
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return []byte(v)
		}
		return raw
	default:
		return nil
	}
}

package bencode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal encodes v as a single bencoded value.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an underlying io.Writer, buffering
// output so a deeply nested value doesn't make a write call per token.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes v and flushes the Encoder's internal buffer.
//
// Supported types: string, []byte, bool, the signed and unsigned integer
// kinds, []any, and map[string]any. Anything else is a fatal encode error.
func (e *Encoder) Encode(v any) error {
	if err := e.encodeValue(v); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) encodeValue(v any) error {
	switch x := v.(type) {
	case string:
		return e.putString(x)
	case []byte:
		return e.putString(string(x))
	case bool:
		if x {
			return e.putInt(1)
		}
		return e.putInt(0)
	case int:
		return e.putInt(int64(x))
	case int8:
		return e.putInt(int64(x))
	case int16:
		return e.putInt(int64(x))
	case int32:
		return e.putInt(int64(x))
	case int64:
		return e.putInt(x)
	case uint:
		return e.putUint(uint64(x))
	case uint8:
		return e.putUint(uint64(x))
	case uint16:
		return e.putUint(uint64(x))
	case uint32:
		return e.putUint(uint64(x))
	case uint64:
		return e.putUint(x)
	case []any:
		return e.putList(x)
	case map[string]any:
		return e.putDict(x)
	default:
		return fmt.Errorf("bencode: cannot encode value of type %T", v)
	}
}

func (e *Encoder) putInt(n int64) error {
	e.w.WriteByte(prefixInt)
	var scratch [32]byte
	e.w.Write(strconv.AppendInt(scratch[:0], n, 10))
	return e.w.WriteByte(suffixEnd)
}

func (e *Encoder) putUint(n uint64) error {
	e.w.WriteByte(prefixInt)
	var scratch [32]byte
	e.w.Write(strconv.AppendUint(scratch[:0], n, 10))
	return e.w.WriteByte(suffixEnd)
}

func (e *Encoder) putString(s string) error {
	var scratch [32]byte
	e.w.Write(strconv.AppendInt(scratch[:0], int64(len(s)), 10))
	e.w.WriteByte(sepLength)
	_, err := e.w.WriteString(s)
	return err
}

func (e *Encoder) putList(items []any) error {
	e.w.WriteByte(prefixList)
	for _, v := range items {
		if err := e.encodeValue(v); err != nil {
			return err
		}
	}
	return e.w.WriteByte(suffixEnd)
}

// putDict writes m's entries in sorted key order, as the bencode spec
// requires for canonical output (and as info-hash computation depends on).
func (e *Encoder) putDict(m map[string]any) error {
	e.w.WriteByte(prefixDict)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.putString(k); err != nil {
			return err
		}
		if err := e.encodeValue(m[k]); err != nil {
			return err
		}
	}

	return e.w.WriteByte(suffixEnd)
}

package kvdisk

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"reflect"
	"sync"
)

// Key encoding tags. These are an implementation detail of kvdisk's own
// encoded_key column (the source language's dynamic dict hashing has no Go
// equivalent); only the (encoded_key, raw) pair's uniqueness is a contract
// with spec, not these byte values.
const (
	keyTagInt byte = iota
	keyTagFloat
	keyTagText
	keyTagOpaque
)

var (
	gobRegisterMu sync.Mutex
	gobRegistered = map[reflect.Type]bool{}
)

// RegisterValueType registers a concrete type with encoding/gob so that
// values of that type can be stored nested inside another value's
// interface-typed field (for example, [github.com/kvdisk/kvdisk/stampede]
// wraps a caller's result in a struct with an `any` field). Values passed
// directly to [Cache.Set] are registered automatically; this is only
// needed for nested interface fields. Safe to call repeatedly with the
// same type.
func RegisterValueType(v any) {
	registerGobType(v)
}

// registerGobType lazily registers a concrete type with encoding/gob so
// that values stored under interface{} can round-trip through Decode. Only
// needed once per concrete type per process.
func registerGobType(v any) {
	t := reflect.TypeOf(v)

	gobRegisterMu.Lock()
	defer gobRegisterMu.Unlock()

	if gobRegistered[t] {
		return
	}

	gob.Register(v)
	gobRegistered[t] = true
}

// encodeKey maps a key of any Go type to its (encoded, raw) storage
// identity. Byte-slice keys are stored as raw bytes (raw=true); small
// integers, floats, and strings are stored "natively" with a one-byte type
// tag prefix so they cannot collide with each other in encoded form; every
// other type is serialized opaquely with encoding/gob (raw=false).
func encodeKey(key any) (encoded []byte, raw bool, err error) {
	switch v := key.(type) {
	case []byte:
		return v, true, nil
	case string:
		return append([]byte{keyTagText}, v...), false, nil
	case int:
		return encodeIntKey(int64(v)), false, nil
	case int8:
		return encodeIntKey(int64(v)), false, nil
	case int16:
		return encodeIntKey(int64(v)), false, nil
	case int32:
		return encodeIntKey(int64(v)), false, nil
	case int64:
		return encodeIntKey(v), false, nil
	case uint:
		return encodeIntKey(int64(v)), false, nil
	case uint8:
		return encodeIntKey(int64(v)), false, nil
	case uint16:
		return encodeIntKey(int64(v)), false, nil
	case uint32:
		return encodeIntKey(int64(v)), false, nil
	case uint64:
		return encodeIntKey(int64(v)), false, nil
	case float32:
		return encodeFloatKey(float64(v)), false, nil
	case float64:
		return encodeFloatKey(v), false, nil
	default:
		registerGobType(key)

		var buf bytes.Buffer

		buf.WriteByte(keyTagOpaque)

		err := gob.NewEncoder(&buf).Encode(&key)
		if err != nil {
			return nil, false, fmt.Errorf("encode key: %w", err)
		}

		return buf.Bytes(), false, nil
	}
}

func encodeIntKey(v int64) []byte {
	buf := make([]byte, 9)
	buf[0] = keyTagInt
	binary.BigEndian.PutUint64(buf[1:], uint64(v))

	return buf
}

func encodeFloatKey(v float64) []byte {
	buf := make([]byte, 9)
	buf[0] = keyTagFloat
	binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v))

	return buf
}

// encodedValue is the outcome of deciding how to store a value: inline
// (held directly in a dynamically-typed SQLite column) or file-backed.
type encodedValue struct {
	mode    Mode
	inline  any    // non-nil when the value lives in the Cache.value column
	payload []byte // non-nil when the value must still be written to a file

	// filenameSet/filename let a caller that already wrote the payload
	// (a streaming Set) hand commitSet a path instead of bytes.
	filenameSet bool
	filename    string

	size int64
}

// encodeValue implements the Codec's value storage decision table: small
// integers and floats are always inline with size 0 (tracked by the
// store's own page accounting, not separately, by design); short text is
// inline with size 0 as well; short byte slices are inline with their byte
// length recorded; long text/bytes
// and streamed sources are written to files; anything else is serialized
// with encoding/gob and inlined or file-backed by the same threshold rule.
func encodeValue(value any, threshold int64) (encodedValue, error) {
	switch v := value.(type) {
	case int:
		return encodedValue{mode: ModeRaw, inline: int64(v)}, nil
	case int8:
		return encodedValue{mode: ModeRaw, inline: int64(v)}, nil
	case int16:
		return encodedValue{mode: ModeRaw, inline: int64(v)}, nil
	case int32:
		return encodedValue{mode: ModeRaw, inline: int64(v)}, nil
	case int64:
		return encodedValue{mode: ModeRaw, inline: v}, nil
	case uint:
		return encodedValue{mode: ModeRaw, inline: int64(v)}, nil
	case uint32:
		return encodedValue{mode: ModeRaw, inline: int64(v)}, nil
	case uint64:
		return encodedValue{mode: ModeRaw, inline: int64(v)}, nil
	case float32:
		return encodedValue{mode: ModeRaw, inline: float64(v)}, nil
	case float64:
		return encodedValue{mode: ModeRaw, inline: v}, nil
	case string:
		if int64(len(v)) < threshold {
			return encodedValue{mode: ModeRaw, inline: v}, nil
		}

		b := []byte(v)

		return encodedValue{mode: ModeText, payload: b, size: int64(len(b))}, nil
	case []byte:
		if int64(len(v)) < threshold {
			return encodedValue{mode: ModeRaw, inline: v, size: int64(len(v))}, nil
		}

		return encodedValue{mode: ModeBinary, payload: v, size: int64(len(v))}, nil
	default:
		registerGobType(value)

		var buf bytes.Buffer

		err := gob.NewEncoder(&buf).Encode(&value)
		if err != nil {
			return encodedValue{}, fmt.Errorf("encode value: %w", err)
		}

		if int64(buf.Len()) < threshold {
			return encodedValue{mode: ModePickle, inline: buf.Bytes()}, nil
		}

		return encodedValue{mode: ModePickle, payload: buf.Bytes(), size: int64(buf.Len())}, nil
	}
}

// decodeInline reconstructs a value stored inline in the Cache.value
// column. SQLite's dynamic column typing means the driver already hands
// back int64/float64/string/[]byte as appropriate; for ModeRaw that typed
// value *is* the result. For ModePickle, inline holds the gob-encoded
// bytes.
func decodeInline(mode Mode, inline any) (any, error) {
	switch mode {
	case ModeRaw:
		return inline, nil
	case ModePickle:
		b, ok := inline.([]byte)
		if !ok {
			return nil, fmt.Errorf("decode pickle: unexpected inline type %T", inline)
		}

		return decodeGob(b)
	default:
		return nil, fmt.Errorf("decode inline: unexpected mode %s", mode)
	}
}

// decodeFile reconstructs a value whose payload was read from a file.
func decodeFile(mode Mode, data []byte) (any, error) {
	switch mode {
	case ModeText:
		return string(data), nil
	case ModeBinary:
		return data, nil
	case ModePickle:
		return decodeGob(data)
	default:
		return nil, fmt.Errorf("decode file: unexpected mode %s", mode)
	}
}

func decodeGob(b []byte) (any, error) {
	var v any

	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v)
	if err != nil {
		return nil, fmt.Errorf("decode gob: %w", err)
	}

	return v, nil
}

// streamChunkSize bounds the memory used while materializing a streaming
// source (a Set whose value is an io.Reader) into a value file. ~4 MiB, matching the
// chunk size recommended by spec.md and used by the source implementation
// this package was distilled from.
const streamChunkSize = 4 << 20

// copyStream copies src to dst in bounded chunks, returning the total
// number of bytes written.
func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, streamChunkSize)

	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		return n, fmt.Errorf("copy stream: %w", err)
	}

	return n, nil
}

package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// JSON is the name of the built-in JSON encoding.
const JSON = "JSON"

// Encoding converts between application values and envelope payloads.
//
// Encode returns the wire data, a string or a []byte. Decode receives the
// envelope payload as published on the bus.
type Encoding struct {
	Encode func(v any) (any, error)
	Decode func(payload any) (any, error)
}

var (
	encodingsMu sync.RWMutex
	encodings   = map[string]Encoding{
		JSON: {Encode: encodeJSON, Decode: decodeJSON},
	}
)

var raw = Encoding{
	Encode: func(v any) (any, error) { return v, nil },
	Decode: func(p any) (any, error) { return p, nil },
}

// RegisterEncoding makes an encoding available to WithEncoding. It panics if
// name is empty, either function is nil, or name is already registered.
func RegisterEncoding(name string, enc Encoding) {
	if name == "" {
		panic("channel: RegisterEncoding with empty name")
	}
	if enc.Encode == nil || enc.Decode == nil {
		panic("channel: RegisterEncoding " + name + " with nil function")
	}
	encodingsMu.Lock()
	defer encodingsMu.Unlock()
	if _, dup := encodings[name]; dup {
		panic("channel: RegisterEncoding called twice for " + name)
	}
	encodings[name] = enc
}

// Encodings lists registered encoding names in sorted order.
func Encodings() []string {
	encodingsMu.RLock()
	defer encodingsMu.RUnlock()
	names := make([]string, 0, len(encodings))
	for name := range encodings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupEncoding(name string) (Encoding, error) {
	if name == "" {
		return raw, nil
	}
	encodingsMu.RLock()
	enc, ok := encodings[name]
	encodingsMu.RUnlock()
	if !ok {
		return Encoding{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}
	return enc, nil
}

func encodeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(payload any) (any, error) {
	var b []byte
	switch p := payload.(type) {
	case string:
		b = []byte(p)
	case []byte:
		b = p
	default:
		return nil, fmt.Errorf("channel: json payload has type %T", payload)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec

import (
	"bytes"
	"encoding/gob"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/meshcore/mesh/cmn/cos"
)

// Data is any value the payload codec can carry: topic args/kwargs and
// service request/response bodies are all Data.
type Data = any

// Payload is the pluggable serializer behind every topic/service frame
// (spec.md §4.1). Implementations must round-trip every value the
// self-describing format supports.
type Payload interface {
	Name() string
	Encode(v Data) ([]byte, error)
	Decode(b []byte) (Data, error)
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// NewPayload builds the Payload implementation named by cfg's codec field
// (spec.md §4.1's "pluggable payload codec").
func NewPayload(name string) (Payload, error) {
	switch name {
	case "cbor", "":
		return cborPayload{}, nil
	case "json":
		return jsonPayload{}, nil
	case "gob":
		return gobPayload{}, nil
	default:
		return nil, cos.NewErrConfiguration("unknown payload codec %q", name)
	}
}

// cborPayload is the default: a self-describing, language-neutral format
// per spec.md §9's guidance to avoid pickle-equivalent formats.
type cborPayload struct{}

func (cborPayload) Name() string { return "cbor" }

func (cborPayload) Encode(v Data) ([]byte, error) { return cbor.Marshal(v) }

// cborDecMode decodes CBOR integers held in an empty interface as int64, so
// an int64 value round-trips as int64 instead of coming back as uint64.
var cborDecMode, _ = cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()

func (cborPayload) Decode(b []byte) (Data, error) {
	var v Data
	if err := cborDecMode.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return normalizeCBOR(v), nil
}

// normalizeCBOR converts cbor's map[any]any decoding of maps-with-string-keys
// into map[string]Data so downstream code can type-assert kwargs uniformly.
func normalizeCBOR(v Data) Data {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]Data, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				m[ks] = normalizeCBOR(val)
			}
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = normalizeCBOR(e)
		}
		return t
	default:
		return v
	}
}

// jsonPayload is the alternate pluggable codec (spec.md §4.1).
type jsonPayload struct{}

func (jsonPayload) Name() string { return "json" }

func (jsonPayload) Encode(v Data) ([]byte, error) { return jsonAPI.Marshal(v) }

func (jsonPayload) Decode(b []byte) (Data, error) {
	var v Data
	if err := jsonAPI.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// gobPayload is the pickle-equivalent option: acceptable only when every
// node on the mesh is the same trusted binary (spec.md §9), since gob needs
// both ends to agree on registered concrete types.
type gobPayload struct{}

func (gobPayload) Name() string { return "gob" }

func (gobPayload) Encode(v Data) ([]byte, error) {
	var buf bytes.Buffer
	box := wireBox{V: v}
	if err := gob.NewEncoder(&buf).Encode(&box); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobPayload) Decode(b []byte) (Data, error) {
	var box wireBox
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&box); err != nil {
		return nil, err
	}
	return box.V, nil
}

// wireBox lets gob carry an interface{} value without the caller having to
// register every concrete type by hand for the common scalar/collection
// cases; RegisterGobType extends this to application-defined types.
type wireBox struct {
	V Data
}

func RegisterGobType(v any) { gob.Register(v) }

func init() {
	for _, v := range []any{
		"", 0, int64(0), float64(0), false, []byte{},
		[]Data{}, map[string]Data{},
	} {
		gob.Register(v)
	}
}

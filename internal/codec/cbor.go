// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const cborID byte = 1

// Core Deterministic Encoding, so the same snapshot always produces the
// same bytes and hence the same checksum.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: cbor encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Values typed as any decode into string keyed maps instead of
		// map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder: " + err.Error())
	}
}

type cborSerializer struct{}

// Returns CBOR serializer.
func CBOR() Serializer {
	return cborSerializer{}
}

func (cborSerializer) ID() byte {
	return cborID
}

func (cborSerializer) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (cborSerializer) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

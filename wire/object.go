// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Objects are CBOR in core deterministic encoding, so the same value
// always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Maps decoded into an interface must be usable by ordinary
		// Go code, which expects string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder: " + err.Error())
	}
}

// MarshalObject encodes v as CBOR.
func MarshalObject(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalObject decodes CBOR data into v.
func UnmarshalObject(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Object writes v as an opaque CBOR blob inside a byte array.
// A nil v is written as an absent array.
func (e *Encoder) Object(v any) {
	if v == nil {
		e.ByteArray(nil)
		return
	}
	b, err := MarshalObject(v)
	if err != nil {
		e.fail(fmt.Errorf("wire: object of type %T: %w", v, err))
		return
	}
	e.ByteArray(b)
}

// Object reads a blob written by Encoder.Object and decodes it.
func (d *Decoder) Object() any {
	b := d.ByteArray()
	if b == nil {
		return nil
	}
	var v any
	if err := UnmarshalObject(b, &v); err != nil {
		d.fail(fmt.Errorf("wire: object: %w", err))
		return nil
	}
	return v
}

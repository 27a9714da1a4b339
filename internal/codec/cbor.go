package codec

import (
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes values at rest. Untyped maps decode as map[string]any and
// integers as int64, matching what the JSON codec and the schema produce.
type CBOR struct {
	DecOptions cbor.DecOptions

	once sync.Once
	enc  cbor.EncMode
	dec  cbor.DecMode
	err  error
}

var _ Codec = (*CBOR)(nil)

func NewCBOR() *CBOR {
	return &CBOR{DecOptions: cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}}
}

func (c *CBOR) modes() error {
	c.once.Do(func() {
		if c.enc, c.err = (cbor.EncOptions{Sort: cbor.SortCanonical}).EncMode(); c.err != nil {
			return
		}
		c.dec, c.err = c.DecOptions.DecMode()
	})
	return c.err
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	if err := c.modes(); err != nil {
		return nil, err
	}
	return c.enc.Marshal(v)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	if err := c.modes(); err != nil {
		return err
	}
	return c.dec.Unmarshal(data, dst)
}

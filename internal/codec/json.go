package codec

import "github.com/goccy/go-json"

// JSON encodes frame payloads with goccy/go-json. The zero value is ready to
// use.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

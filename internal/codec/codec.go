// Package codec holds the serialization seams: JSON for frame payloads and
// CBOR for records at rest.
package codec

// Codec turns values into bytes and back. Untyped maps must come back as
// map[string]any so the schema can normalize them.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dst any) error
}

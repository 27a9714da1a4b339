package models

// Ghost is the last server-acknowledged snapshot of one object.
//
// A ghost is only replaced wholesale (index download, entity fetch) or
// advanced by applying an acknowledged diff. Local edits never touch it.
type Ghost struct {
	Key     string         `json:"key" cbor:"key"`
	Version Version        `json:"version" cbor:"version"`
	Data    map[string]any `json:"data" cbor:"data"`
}

// Clone returns a deep copy of the ghost.
func (g Ghost) Clone() Ghost {
	return Ghost{Key: g.Key, Version: g.Version, Data: CloneData(g.Data)}
}

// Reference is a materialized foreign-key link from one object to another.
type Reference struct {
	Bucket string `json:"bucket" cbor:"bucket"`
	Key    string `json:"key" cbor:"key"`
}

// Object is a locally cached entity. It owns its ghost 1:1.
type Object struct {
	Key  string         `json:"key" cbor:"key"`
	Data map[string]any `json:"data" cbor:"data"`

	// Ghost is nil until the object has been acknowledged by the server
	// or downloaded from the index.
	Ghost *Ghost `json:"ghost,omitempty" cbor:"ghost,omitempty"`

	// References holds the links established by the relationship resolver,
	// keyed by the source attribute.
	References map[string]Reference `json:"references,omitempty" cbor:"references,omitempty"`
}

func NewObject(key string, data map[string]any) *Object {
	if data == nil {
		data = make(map[string]any)
	}
	return &Object{Key: key, Data: data}
}

// Clone returns a deep copy of the object.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := &Object{Key: o.Key, Data: CloneData(o.Data)}
	if o.Ghost != nil {
		g := o.Ghost.Clone()
		c.Ghost = &g
	}
	if o.References != nil {
		c.References = make(map[string]Reference, len(o.References))
		for k, v := range o.References {
			c.References[k] = v
		}
	}
	return c
}

// Version returns the ghost version, or NoVersion for unsynced objects.
func (o *Object) Version() Version {
	if o == nil || o.Ghost == nil {
		return NoVersion
	}
	return o.Ghost.Version
}

// SetReference records a link and reports whether it changed anything.
func (o *Object) SetReference(attribute string, ref Reference) bool {
	if o.References == nil {
		o.References = make(map[string]Reference)
	}
	if cur, ok := o.References[attribute]; ok && cur == ref {
		return false
	}
	o.References[attribute] = ref
	return true
}

// PendingRelationship is a deferred link from a source attribute to a
// target object that is not yet present locally.
type PendingRelationship struct {
	SourceKey       string `json:"source_key"`
	SourceBucket    string `json:"source_bucket"`
	SourceAttribute string `json:"source_attribute"`
	TargetKey       string `json:"target_key"`
	TargetBucket    string `json:"target_bucket"`
}

// CloneData deep-copies a member dictionary. Nested maps and slices are
// copied; scalars are shared.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = CloneValue(v)
	}
	return out
}

func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

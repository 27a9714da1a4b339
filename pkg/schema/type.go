package schema

import (
	"fmt"
	"strings"
)

// Type is the tag that selects a member's diff, apply and transform behavior.
type Type int

const (
	Invalid Type = iota
	Integer
	Double
	Boolean
	String
	// Text is a string member diffed with diff-match-patch deltas and
	// merged as a patch on conflict.
	Text
	List
	Object
)

var typeNames = map[Type]string{
	Integer: "integer",
	Double:  "double",
	Boolean: "boolean",
	String:  "string",
	Text:    "text",
	List:    "list",
	Object:  "object",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType accepts the names used in bucket configuration files.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer":
		return Integer, nil
	case "double", "float", "number":
		return Double, nil
	case "bool", "boolean":
		return Boolean, nil
	case "string":
		return String, nil
	case "text", "textpatch":
		return Text, nil
	case "list", "array":
		return List, nil
	case "object", "json", "dict":
		return Object, nil
	}
	return Invalid, fmt.Errorf("unknown member type %q", s)
}

package schema

import (
	"errors"
	"fmt"

	"github.com/simperium/simperium.go/pkg/constants"
)

// Error reports a member that is unknown or holds a value its type cannot
// represent. It never aborts processing of the other members.
type Error struct {
	Bucket string
	Member string
	Err    error
}

func (e *Error) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("schema %s.%s: %v", e.Bucket, e.Member, e.Err)
	}
	return fmt.Sprintf("schema %s: %v", e.Member, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Schema is the ordered member table of one bucket.
type Schema struct {
	name    string
	members []Member
	index   map[string]int
}

// New validates the members and builds the schema.
func New(name string, members ...Member) (*Schema, error) {
	if name == "" {
		return nil, errors.New("schema: empty bucket name")
	}
	s := &Schema{
		name:    name,
		members: make([]Member, 0, len(members)),
		index:   make(map[string]int, len(members)),
	}
	for _, m := range members {
		if m.Name == "" {
			return nil, fmt.Errorf("schema %s: member without a name", name)
		}
		if _, dup := s.index[m.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate member %q", name, m.Name)
		}
		if !m.Type.Valid() {
			return nil, fmt.Errorf("schema %s: member %q has %s", name, m.Name, m.Type)
		}
		if m.References != "" && m.Type != String {
			return nil, fmt.Errorf("schema %s: member %q references %s but is %s", name, m.Name, m.References, m.Type)
		}
		if m.Default != nil {
			d, err := m.Normalize(m.Default)
			if err != nil {
				return nil, fmt.Errorf("schema %s: default: %w", name, err)
			}
			m.Default = d
		}
		s.index[m.Name] = len(s.members)
		s.members = append(s.members, m)
	}
	return s, nil
}

// MustNew is New for statically declared schemas.
func MustNew(name string, members ...Member) *Schema {
	s, err := New(name, members...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string {
	return s.name
}

// Members returns the members in declaration order.
func (s *Schema) Members() []Member {
	return append([]Member(nil), s.members...)
}

func (s *Schema) Member(name string) (Member, bool) {
	i, ok := s.index[name]
	if !ok {
		return Member{}, false
	}
	return s.members[i], true
}

// References returns the members that link to other buckets.
func (s *Schema) References() []Member {
	var out []Member
	for _, m := range s.members {
		if m.References != "" {
			out = append(out, m)
		}
	}
	return out
}

// Unknown wraps constants.ErrUnknownMember for the named member.
func (s *Schema) Unknown(member string) *Error {
	return &Error{Bucket: s.name, Member: member, Err: constants.ErrUnknownMember}
}

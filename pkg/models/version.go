package models

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Version is the opaque, monotonically advancing token the server attaches
// to every object revision.
//
// Versions compare numerically when both sides are decimal integers, which is
// what the server issues. Anything else falls back to ordering by length and
// then bytes.
type Version string

// NoVersion is the version of an object that has never been acknowledged.
const NoVersion Version = ""

func (v Version) String() string {
	return string(v)
}

func (v Version) IsZero() bool {
	return v == NoVersion
}

// Compare returns -1, 0 or +1 when v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v == o:
		return 0
	case v.IsZero():
		return -1
	case o.IsZero():
		return 1
	}

	a, errA := strconv.ParseUint(string(v), 10, 64)
	b, errB := strconv.ParseUint(string(o), 10, 64)
	if errA == nil && errB == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}

	if len(v) != len(o) {
		if len(v) < len(o) {
			return -1
		}
		return 1
	}
	if v < o {
		return -1
	}
	return 1
}

func (v Version) Before(o Version) bool {
	return v.Compare(o) < 0
}

// AtLeast reports whether v is equal to or newer than o.
func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

// Previous returns the version n steps before v, for numeric versions.
// It returns false when v is not numeric or would go below 1.
func (v Version) Previous(n int) (Version, bool) {
	num, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil || uint64(n) >= num {
		return NoVersion, false
	}
	return Version(strconv.FormatUint(num-uint64(n), 10)), true
}

// UnmarshalJSON accepts both strings and bare numbers, since servers send
// numeric versions in some messages. Numbers must be non-negative integers
// and are stored in canonical decimal form.
func (v *Version) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = NoVersion
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Version(s)
		return nil
	}
	if n, err := strconv.ParseUint(string(data), 10, 64); err == nil {
		*v = Version(strconv.FormatUint(n, 10))
		return nil
	}
	// 3.0 and 3e0 are the integer 3. Anything fractional is not a version.
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil || f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return fmt.Errorf("invalid version %s", data)
	}
	*v = Version(strconv.FormatUint(uint64(f), 10))
	return nil
}

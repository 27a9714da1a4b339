package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/simperium/simperium.go/pkg/constants"
)

// Deltas count =N and -N in UTF-16 code units, as the server does. go-diff
// counts runes, so lengths are converted at this edge.
func textDiff(a, b string) Diff {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupEfficiency(diffs)
	delta, err := convertDelta(a, dmp.DiffToDelta(diffs), runesToUnits)
	if err != nil {
		return Replace(b)
	}
	return Delta(delta)
}

func applyDelta(s, delta string) (string, error) {
	runeDelta, err := convertDelta(s, delta, unitsToRunes)
	if err != nil {
		return "", err
	}
	dmp := diffmatchpatch.New()
	diffs, err := dmp.DiffFromDelta(s, runeDelta)
	if err != nil {
		return "", fmt.Errorf("%w: %v", constants.ErrInvalidDiff, err)
	}
	return dmp.DiffText2(diffs), nil
}

// lengthFunc consumes n from the front of src and returns the converted
// length and the remainder.
type lengthFunc func(src []rune, n int) (int, []rune, error)

func runesToUnits(src []rune, n int) (int, []rune, error) {
	if n > len(src) {
		return 0, nil, fmt.Errorf("%w: delta runs past the source text", constants.ErrInvalidDiff)
	}
	units := 0
	for _, r := range src[:n] {
		units += unitLen(r)
	}
	return units, src[n:], nil
}

func unitsToRunes(src []rune, n int) (int, []rune, error) {
	runes, units := 0, 0
	for units < n && runes < len(src) {
		units += unitLen(src[runes])
		runes++
	}
	if units != n {
		return 0, nil, fmt.Errorf("%w: delta length %d does not fit the source text", constants.ErrInvalidDiff, n)
	}
	return runes, src[runes:], nil
}

// unitLen is the UTF-16 length of r. Runes past the BMP take a surrogate
// pair.
func unitLen(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

func convertDelta(src, delta string, conv lengthFunc) (string, error) {
	if delta == "" {
		return delta, nil
	}
	rest := []rune(src)
	tokens := strings.Split(delta, "\t")
	for i, tok := range tokens {
		if tok == "" || (tok[0] != '=' && tok[0] != '-') {
			continue
		}
		n, err := strconv.Atoi(tok[1:])
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: bad delta token %q", constants.ErrInvalidDiff, tok)
		}
		var out int
		if out, rest, err = conv(rest, n); err != nil {
			return "", err
		}
		tokens[i] = tok[:1] + strconv.Itoa(out)
	}
	return strings.Join(tokens, "\t"), nil
}

// mergeText re-applies the base→local patch on top of remote. When a hunk
// cannot be located in the remote text the full local text replaces it.
func mergeText(base, local, remote string) (Diff, bool) {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, local)
	merged, applied := dmp.PatchApply(patches, remote)
	for _, ok := range applied {
		if !ok {
			return Replace(local), true
		}
	}
	if merged == remote {
		return Diff{}, false
	}
	return textDiff(remote, merged), true
}

func transformText(local Diff, remote Diff, base string) (Diff, bool, error) {
	localText, err := applyDelta(base, local.Delta)
	if err != nil {
		return Diff{}, false, err
	}
	rv, err := ApplyValue(base, remote)
	if err != nil {
		return Diff{}, false, err
	}
	remoteText, ok := rv.(string)
	if !ok {
		return Replace(localText), true, nil
	}
	d, keep := mergeText(base, localText, remoteText)
	return d, keep, nil
}

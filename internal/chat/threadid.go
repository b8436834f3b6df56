package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// adapterNameRe is the grammar for the adapter segment of a thread ID.
var adapterNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// EncodeThreadID joins adapter-private coordinates into the canonical
// "<adapter>:<coords>" form. Coordinates are joined with ":"; only the last
// coordinate may itself contain colons, so the pairing with DecodeThreadID
// is lossless.
func EncodeThreadID(adapter string, coords ...string) (string, error) {
	if !adapterNameRe.MatchString(adapter) {
		return "", NewValidation(adapter, fmt.Sprintf("invalid adapter name %q in thread ID", adapter))
	}
	if len(coords) == 0 {
		return "", NewValidation(adapter, "thread ID requires at least one coordinate")
	}
	for i, c := range coords {
		if c == "" {
			return "", NewValidation(adapter, fmt.Sprintf("thread ID coordinate %d is empty", i))
		}
		if i < len(coords)-1 && strings.Contains(c, ":") {
			return "", NewValidation(adapter, fmt.Sprintf("thread ID coordinate %d may not contain ':'", i))
		}
	}
	return adapter + ":" + strings.Join(coords, ":"), nil
}

// DecodeThreadID splits a thread ID produced by EncodeThreadID back into n
// coordinates. It fails with a ValidationError when the prefix does not
// match the adapter, the remainder is empty, or fewer than n segments are
// present. The last coordinate absorbs any remaining colons.
func DecodeThreadID(adapter, id string, n int) ([]string, error) {
	rest, ok := strings.CutPrefix(id, adapter+":")
	if !ok {
		return nil, NewValidation(adapter, fmt.Sprintf("thread ID %q does not belong to %s", id, adapter))
	}
	if rest == "" {
		return nil, NewValidation(adapter, fmt.Sprintf("thread ID %q has no coordinates", id))
	}
	if n < 1 {
		n = 1
	}
	coords := strings.SplitN(rest, ":", n)
	if len(coords) < n {
		return nil, NewValidation(adapter, fmt.Sprintf("thread ID %q has %d coordinates, want %d", id, len(coords), n))
	}
	for i, c := range coords {
		if c == "" {
			return nil, NewValidation(adapter, fmt.Sprintf("thread ID %q coordinate %d is empty", id, i))
		}
	}
	return coords, nil
}

// ThreadAdapter returns the adapter segment of a thread ID.
func ThreadAdapter(id string) (string, error) {
	name, _, ok := strings.Cut(id, ":")
	if !ok || !adapterNameRe.MatchString(name) {
		return "", NewValidation("", fmt.Sprintf("malformed thread ID %q", id))
	}
	return name, nil
}

// Package channame encodes and classifies channel names of the form "<prefix> <label> <uuid>".
//
// Any context with access to a bus can open a channel with any name, so Decode is written as a classifier of untrusted
// input: it never fails, and names that belong to someone else are indistinguishable from malformed ones.
package channame

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const delimiter = " "

type Label string

const (
	Transport Label = "TRANSPORT"
	Stream    Label = "STREAM"
)

func (l Label) Valid() bool {
	return l == Transport || l == Stream
}

var uuidV4 = regexp.MustCompile(`(?i)^[\da-f]{8}-[\da-f]{4}-[\da-f]{4}-[\da-f]{4}-[\da-f]{12}$`)

type MalformedPrefixError struct {
	Prefix string
}

func (e MalformedPrefixError) Error() string {
	return fmt.Sprintf("channel name prefix %q must not contain %q", e.Prefix, delimiter)
}

// Name is a decoded channel name.
type Name struct {
	Prefix string
	Label  Label
	ID     string
}

func (n Name) String() string {
	return strings.Join([]string{n.Prefix, string(n.Label), n.ID}, delimiter)
}

// Encode builds a new channel name with a fresh random id.
func Encode(prefix string, label Label) (string, error) {
	if strings.Contains(prefix, delimiter) {
		return "", MalformedPrefixError{Prefix: prefix}
	}
	if !label.Valid() {
		return "", fmt.Errorf("unknown channel label %q", label)
	}
	return Name{Prefix: prefix, Label: label, ID: uuid.NewString()}.String(), nil
}

// MustEncode is Encode for prefixes that were already validated, such as a manager's own prefix.
func MustEncode(prefix string, label Label) string {
	name, err := Encode(prefix, label)
	if err != nil {
		panic(err)
	}
	return name
}

// Decode returns the label and id of name if it was produced by Encode with expectedPrefix.
func Decode(expectedPrefix, name string) (Name, bool) {
	parts := strings.Split(name, delimiter)
	if len(parts) != 3 {
		return Name{}, false
	}
	prefix, label, id := parts[0], Label(parts[1]), parts[2]
	if prefix != expectedPrefix || !label.Valid() || !uuidV4.MatchString(id) {
		return Name{}, false
	}
	return Name{Prefix: prefix, Label: label, ID: id}, true
}

// DecodeLabel is Decode restricted to a single label.
func DecodeLabel(expectedPrefix string, label Label, name string) (Name, bool) {
	n, ok := Decode(expectedPrefix, name)
	if !ok || n.Label != label {
		return Name{}, false
	}
	return n, true
}

// ValidatePrefix reports whether prefix can be used with Encode.
func ValidatePrefix(prefix string) error {
	if strings.Contains(prefix, delimiter) {
		return MalformedPrefixError{Prefix: prefix}
	}
	return nil
}

// Package idgen provides short, URL-safe ids used to correlate log lines of a
// single event dispatch or command invocation.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet avoids look-alike characters so ids are easy to grep and read aloud.
const Alphabet = "23456789abcdefghijkmnpqrstuvwxyz"

// Length of the random part (excluding the prefix).
const Length = 10

const (
	PrefixEvent   = "ev-"
	PrefixCommand = "cmd-"
)

// New returns prefix + a random id.
func New(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// MustNew is New for call sites where an id is only a log correlation aid;
// on generator failure it returns the bare prefix.
func MustNew(prefix string) string {
	id, err := New(prefix)
	if err != nil {
		return prefix + "unknown"
	}
	return id
}

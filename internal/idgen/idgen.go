// Package idgen generates random identifiers for events and notifications.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars of randomness (96 bits), e.g.
// "evt_3f9a...". A failing system randomness source is unrecoverable, so it
// panics rather than returning an error every caller would have to ignore.
func WithPrefix(prefix string) string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("idgen: system randomness unavailable: " + err.Error())
	}
	return prefix + hex.EncodeToString(b[:])
}

// Package peerid generates the process-lifetime-stable local PeerId of
// spec.md section 3: an 8-byte ASCII client prefix followed by 12
// random alphanumeric bytes, assembled once rather than filled digit
// by digit.
package peerid

import (
	"crypto/rand"
)

// Prefix is this client's Azureus-style identifier, "-DZ0001-".
const Prefix = "-DZ0001-"

const alphanumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Generate returns a fresh 20-byte PeerId: Prefix followed by 12 random
// alphanumeric bytes.
func Generate() [20]byte {
	var id [20]byte
	copy(id[:], Prefix)

	buf := make([]byte, 20-len(Prefix))
	if _, err := rand.Read(buf); err != nil {
		panic("peerid: failed to read random bytes: " + err.Error())
	}
	for i, b := range buf {
		id[len(Prefix)+i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return id
}

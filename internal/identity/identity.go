// Package identity generates the client's stable 20-byte peer id, shared by
// the tracker client and every peer session for the lifetime of the process.
package identity

import (
	"crypto/rand"
	"fmt"
)

// clientPrefix identifies this implementation in the Azureus-style peer id
// convention: "-" + 2 letter client code + 4 digit version + "-".
const clientPrefix = "-GR0001-"

// New generates a fresh 20-byte peer id: the client prefix followed by 12
// cryptographically random bytes.
func New() ([20]byte, error) {
	var id [20]byte
	copy(id[:], clientPrefix)
	if _, err := rand.Read(id[len(clientPrefix):]); err != nil {
		return id, fmt.Errorf("generating peer id: %w", err)
	}
	return id, nil
}

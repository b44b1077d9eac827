// Package idgen generates the random identifiers used across the money
// core: wallet transactions ("wtx_"), escrow transactions ("esc_"),
// disputes ("dsp_"), and webhook events ("evt_").
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes gives 96 bits of entropy per ID.
const idBytes = 12

// WithPrefix returns prefix + 24 hex chars of crypto/rand entropy.
func WithPrefix(prefix string) string {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

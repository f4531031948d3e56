package tails

import (
	"crypto/sha256"
	"hash"

	"github.com/mr-tron/base58"
)

// Digester accumulates a SHA-256 digest over a stream of chunks. The text
// form of the digest (base58, no padding) is what the ledger stores in a
// revocation registry definition's tailsHash field, so it is used for all
// comparison and display purposes.
type Digester struct {
	inner hash.Hash
}

// NewDigester returns a Digester ready to accept payload chunks.
func NewDigester() *Digester {
	return &Digester{inner: sha256.New()}
}

// Write feeds the next chunk of the payload into the digest.
func (d *Digester) Write(p []byte) (int, error) {
	return d.inner.Write(p)
}

// TextSum finalizes the digest and returns its base58 encoding.
func (d *Digester) TextSum() string {
	return base58.Encode(d.inner.Sum(nil))
}

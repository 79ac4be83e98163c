// Package cryptocap is the narrow crypto capability §1 carves out of the
// core: RSA keypair generation and DER/SHA1-RSA sign-verify. Nothing else
// in this module touches crypto/rsa or crypto/x509 directly.
package cryptocap

// Keypair wraps a generated RSA keypair. Callers only ever need the
// public half's DER bytes and the ability to sign with the private half;
// the private key itself is never exposed outside this package.
type Keypair interface {
	PublicDER() []byte
	Sign(data []byte) ([]byte, error)
}

// Capability is the production/mock-swappable crypto surface.
type Capability interface {
	// ParsePublicKey validates that der is a well-formed DER-encoded RSA
	// public key, returning a descriptive error if not.
	ParsePublicKey(der []byte) error

	// VerifySHA1RSA verifies sig as a SHA1-RSA signature over data by
	// the public key encoded in pubDER.
	VerifySHA1RSA(pubDER, data, sig []byte) error

	// GenerateKeypair creates a new RSA keypair of the capability's
	// configured size.
	GenerateKeypair() (Keypair, error)
}

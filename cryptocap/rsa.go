package cryptocap

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
)

const defaultKeyBits = 2048

// rsaCapability is the production Capability, using the DER + SHA1-RSA
// wire format this system's owner key and policy signatures are mandated
// to use (not the teacher's OpenPGP format — see DESIGN.md).
type rsaCapability struct {
	bits int
}

// NewRSA returns a production Capability generating bits-sized RSA keys.
// A bits of 0 uses the default (2048).
func NewRSA(bits int) Capability {
	if bits == 0 {
		bits = defaultKeyBits
	}
	return &rsaCapability{bits: bits}
}

func (c *rsaCapability) ParsePublicKey(der []byte) error {
	_, err := parsePublicKey(der)
	return err
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		// Owner keys in the wild are also seen as bare PKCS1, fall back.
		if rsaPub, err2 := x509.ParsePKCS1PublicKey(der); err2 == nil {
			return rsaPub, nil
		}
		return nil, fmt.Errorf("cannot parse DER public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

func (c *rsaCapability) VerifySHA1RSA(pubDER, data, sig []byte) error {
	pub, err := parsePublicKey(pubDER)
	if err != nil {
		return err
	}
	digest := sha1.Sum(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig)
}

func (c *rsaCapability) GenerateKeypair() (Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, c.bits)
	if err != nil {
		return nil, err
	}
	return &rsaKeypair{priv: priv}, nil
}

type rsaKeypair struct {
	priv *rsa.PrivateKey
}

func (k *rsaKeypair) PublicDER() []byte {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		// MarshalPKIXPublicKey only fails for unsupported key types;
		// rsa.PrivateKey.PublicKey is always marshalable.
		panic(err)
	}
	return der
}

func (k *rsaKeypair) Sign(data []byte) ([]byte, error) {
	digest := sha1.Sum(data)
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, digest[:])
}

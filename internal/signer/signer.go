package signer

// Signer produces detached signatures for package files
type Signer interface {
	// SignDetached creates an armored detached signature
	SignDetached(data []byte) ([]byte, error)

	// GetPublicKey returns the public key
	GetPublicKey() ([]byte, error)
}

// Verifier checks detached package signatures
type Verifier interface {
	// VerifyDetached checks an armored signature over data and returns the
	// fingerprint of the signing key
	VerifyDetached(data, signature []byte) (string, error)
}

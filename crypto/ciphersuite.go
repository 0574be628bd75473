package crypto

// CipherSuite identifies the combination of KEM, AEAD, KDF, hash and
// signature algorithm used by a group. Exactly one suite is implemented;
// the type exists to future-proof the wire format, not to support runtime
// suite negotiation.
type CipherSuite uint16

const (
	// CipherSuiteMLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519 is the
	// only suite this core implements: X25519 HPKE KEM, ChaCha20-Poly1305
	// AEAD, HKDF-SHA256, Ed25519 signatures.
	CipherSuiteMLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
)

// DefaultCipherSuite is the suite every group in this core is created with.
const DefaultCipherSuite = CipherSuiteMLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519

func (cs CipherSuite) String() string {
	switch cs {
	case CipherSuiteMLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519"
	default:
		return "unknown"
	}
}

// Supported reports whether this core can operate a group under cs.
func (cs CipherSuite) Supported() bool {
	return cs == DefaultCipherSuite
}

package benchmark

import (
	"crypto/rand"
	"fmt"
	"testing"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
)

// BenchmarkKeyGeneration benchmarks key pair generation
func BenchmarkKeyGeneration(b *testing.B) {
	b.Run("Ed25519", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, err := keys.GenerateEd25519KeyPair()
			if err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("X25519", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, err := keys.GenerateX25519KeyPair()
			if err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkSigning benchmarks message signing and verification
func BenchmarkSigning(b *testing.B) {
	message := make([]byte, 1024)
	rand.Read(message)

	keyPair, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		b.Fatal(err)
	}

	b.Run("Sign", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := keyPair.Sign(message); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Verify", func(b *testing.B) {
		sig, _ := keyPair.Sign(message)
		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if err := keyPair.Verify(message, sig); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkAEAD benchmarks ChaCha20-Poly1305 seal/open at common payload sizes
func BenchmarkAEAD(b *testing.B) {
	key := make([]byte, corecrypto.AEADKeySize)
	nonce := make([]byte, corecrypto.AEADNonceSize)
	rand.Read(key)
	rand.Read(nonce)

	for _, size := range []int{64, 1024, 16384} {
		payload := make([]byte, size)
		rand.Read(payload)

		b.Run(byteSizeName(size)+"/Seal", func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := corecrypto.AEADSeal(key, nonce, payload, nil); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run(byteSizeName(size)+"/Open", func(b *testing.B) {
			sealed, _ := corecrypto.AEADSeal(key, nonce, payload, nil)
			b.SetBytes(int64(size))
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := corecrypto.AEADOpen(key, nonce, sealed, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkHKDF benchmarks the expand-with-label derivation the epoch
// secret tree is built from
func BenchmarkHKDF(b *testing.B) {
	secret := make([]byte, 32)
	context := make([]byte, 64)
	rand.Read(secret)
	rand.Read(context)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := corecrypto.HKDFExpandLabel(secret, "bench", context, 32); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkHPKE benchmarks the seal/open pair used for update-path secrets
func BenchmarkHPKE(b *testing.B) {
	recipient, err := keys.GenerateX25519KeyPair()
	if err != nil {
		b.Fatal(err)
	}
	secret := make([]byte, 32)
	info := []byte("bench-info")
	rand.Read(secret)

	b.Run("Seal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _, err := corecrypto.HPKESeal(recipient.PublicKeyBytes(), info, secret, nil)
			if err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Open", func(b *testing.B) {
		enc, ct, _ := corecrypto.HPKESeal(recipient.PublicKeyBytes(), info, secret, nil)
		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := corecrypto.HPKEOpen(recipient.ECDHPrivateKey(), enc, info, ct, nil); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func byteSizeName(n int) string {
	if n >= 1024 && n%1024 == 0 {
		return fmt.Sprintf("%dKiB", n/1024)
	}
	return fmt.Sprintf("%dB", n)
}

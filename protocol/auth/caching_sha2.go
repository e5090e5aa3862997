package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// CachingSHA2Initial computes the caching_sha2_password initial auth
// response (§4.4):
//
//	SHA256(password) XOR SHA256(SHA256(SHA256(password)) ++ scramble)
//
// An empty password yields an empty auth response.
func CachingSHA2Initial(password string, scramble []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha256.Sum256([]byte(password))
	h2 := sha256.Sum256(h1[:])

	h := sha256.New()
	h.Write(h2[:])
	h.Write(scramble)
	h3 := h.Sum(nil)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// XORWithRepeatingScramble XORs password with scramble repeated/truncated
// to password's length, then appends a terminating 0x00 — the payload the
// RSA-OAEP full-auth path encrypts (§4.4).
func XORWithRepeatingScramble(password string, scramble []byte) []byte {
	pw := []byte(password)
	out := make([]byte, len(pw)+1)
	for i := 0; i < len(pw)+1; i++ {
		out[i] = scramble[i%len(scramble)]
	}
	for i := range pw {
		out[i] ^= pw[i]
	}
	return out
}

// ParseRSAPublicKeyPEM parses the PEM-encoded RSA public key the server
// returns in Auth-More-Data during the full-auth RSA path.
func ParseRSAPublicKeyPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("caching_sha2_password: no PEM block found in server public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("caching_sha2_password: parsing server public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("caching_sha2_password: server public key is not RSA")
	}
	return rsaPub, nil
}

// EncryptFullAuthPassword RSA-OAEP(SHA-1)-encrypts password XORed with the
// repeating scramble, for the non-TLS full-auth path.
func EncryptFullAuthPassword(password string, scramble []byte, pub *rsa.PublicKey) ([]byte, error) {
	plain := XORWithRepeatingScramble(password, scramble)
	ciphertext, err := rsa.EncryptOAEP(cryptoSHA1New(), rand.Reader, pub, plain, nil)
	if err != nil {
		return nil, fmt.Errorf("caching_sha2_password: RSA-OAEP encrypt: %w", err)
	}
	return ciphertext, nil
}

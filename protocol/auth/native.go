// Package auth implements the MySQL authentication plugin handshakes
// used during the connection phase (§4.4): mysql_native_password and
// caching_sha2_password (including its fast-auth/full-auth sub-protocol
// and RSA public-key path). Plugin selection and auth-switch handling
// live in package conn, which drives these pure functions.
package auth

import "crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1

// NativePassword computes the mysql_native_password auth response:
//
//	SHA1(password) XOR SHA1(scramble ++ SHA1(SHA1(password)))
//
// An empty password yields an empty auth response (§4.4).
func NativePassword(password string, scramble []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum([]byte(password)) //nolint:gosec
	h2 := sha1.Sum(h1[:])            //nolint:gosec

	h := sha1.New() //nolint:gosec
	h.Write(scramble)
	h.Write(h2[:])
	h3 := h.Sum(nil)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

package shared

import "crypto/subtle"

// SecretEqual compares two secrets in constant time. An empty want never
// matches.
func SecretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

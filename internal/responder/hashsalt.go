package responder

import "crypto/rand"

// HashSalt is the per-binding 160-bit secret that seeds the Stateless Reset
// token HMAC. It is drawn once at binding
// initialization and held fixed for the binding's lifetime.
type HashSalt [20]byte

// NewHashSalt draws a fresh random salt.
func NewHashSalt() HashSalt {
	var s HashSalt
	if _, err := rand.Read(s[:]); err != nil {
		panic("responder: failed to read random hash salt: " + err.Error())
	}
	return s
}

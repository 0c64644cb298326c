package auth

import (
	"crypto/rand"

	"golang.org/x/crypto/bcrypt"
)

// Hasher produces and checks salted bcrypt password hashes.
type Hasher struct {
	cost  int
	decoy []byte
}

// NewHasher creates a hasher with the given bcrypt cost. Out-of-range costs fall back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	h := &Hasher{cost: cost}

	// The decoy lets lookups that found no user spend the same time as a real comparison.
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	h.decoy, _ = bcrypt.GenerateFromPassword(secret, cost)
	return h
}

// Hash returns a bcrypt digest of password with a fresh random salt.
func (h *Hasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. A malformed hash never matches.
func (h *Hasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDecoy performs a comparison that always fails.
func (h *Hasher) VerifyDecoy(password string) {
	_ = bcrypt.CompareHashAndPassword(h.decoy, []byte(password))
}

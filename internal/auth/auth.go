// Package auth issues the optional per-task auth credential file bundled
// into a task's input descriptors (spec §4.4 step 5), a short-lived signed
// token identifying the task id and workflow label, verifiable by the
// sandbox wrapper without the wrapper needing a shared secret store.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the task a credential was issued for.
type Claims struct {
	TaskID   int64  `json:"task_id"`
	Workflow string `json:"workflow"`
	jwt.RegisteredClaims
}

// Issuer signs per-task credentials with a single shared key for the run.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// NewIssuer builds an Issuer. ttl bounds how long a credential remains
// valid once issued; it should comfortably exceed the category's runtime
// cap for the task.
func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl}
}

// Issue returns a signed token for one task.
func (i *Issuer) Issue(taskID int64, workflow string) (string, error) {
	now := time.Now()
	claims := Claims{
		TaskID:   taskID,
		Workflow: workflow,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// Verify parses and validates a credential, returning its claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

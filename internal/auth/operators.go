package auth

import (
	"errors"

	"github.com/technosupport/guardian/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Verify checks an operator id/password pair against the configured roster.
// Comparison always runs the hash check so a bad operator id costs the same
// as a bad password.
func Verify(gen *config.Generation, operatorID, password string) (config.Operator, error) {
	var op config.Operator
	found := false
	for _, o := range gen.Config.Auth.Operators {
		if o.ID == operatorID {
			op = o
			found = true
			break
		}
	}

	hash := op.PasswordHash
	if !found || hash == "" {
		// Burn a comparable amount of work against a fixed dummy hash.
		hash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	}

	ok, err := CheckPassword(password, hash)
	if err != nil || !ok || !found {
		return config.Operator{}, ErrInvalidCredentials
	}
	return op, nil
}

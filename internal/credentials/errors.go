package credentials

import "errors"

// Credential lifecycle errors.
var (
	ErrIdentityNotFound = errors.New("sender identity not found")
	ErrAuthExpired      = errors.New("access token expired and no refresh token is available")
	ErrAuthRevoked      = errors.New("sender identity authorization revoked")
	ErrDecrypt          = errors.New("decrypt credential")
)

// IsAuthFailure reports whether err makes the identity unusable until re-authorized.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrAuthRevoked) ||
		errors.Is(err, ErrIdentityNotFound) ||
		errors.Is(err, ErrDecrypt)
}

package auth

import "errors"

var (
	// ErrInvalidToken indicates the credential failed signature or shape
	// validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpired indicates a structurally valid credential past its expiry.
	ErrExpired = errors.New("auth: token expired")
	// ErrReplayDetected indicates a refresh token whose rotation version no
	// longer matches the account counter: it was already redeemed or is
	// otherwise stale.
	ErrReplayDetected = errors.New("auth: refresh token replay detected")

	ErrNotFound = errors.New("auth: not found")
	ErrConflict = errors.New("auth: revision conflict")
)

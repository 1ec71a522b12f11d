package oauth

import "errors"

var (
	// ErrProviderNotFound signals a provider that is not configured.
	ErrProviderNotFound = errors.New("oauth: provider not found")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidState indicates the OAuth state/nonce pair is invalid or missing.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrAssertionInvalid indicates the provider rejected or could not verify the assertion.
	ErrAssertionInvalid = errors.New("oauth: assertion invalid")
	// ErrEmailMissing indicates the provider did not share an email address.
	ErrEmailMissing = errors.New("oauth: email missing")
)

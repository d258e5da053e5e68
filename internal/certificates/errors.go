package certificates

import "errors"

// Certificate validation failures. These surface as HTTP 400/403 and abort
// the containing operation; they are never retried.
var (
	ErrCertificateIDInvalid        = errors.New("certificate ID does not match hash of its fields")
	ErrCertificateSignatureInvalid = errors.New("certificate signature is invalid")
	ErrCertificateScopeNotSubset   = errors.New("certificate scope is not a subset of its parent's scope")
	ErrCertificateProfileInvalid   = errors.New("certificate profile does not match its parent's profile")
	ErrCertificateRootScopeInvalid = errors.New("root certificate scope partitions must begin with the certificate ID")
	ErrCertificateNotFound         = errors.New("certificate not found")
	ErrScopeDefinitionNotFound     = errors.New("scope definition not found")
)

// Nonce handshake failures; the client must restart the handshake.
var (
	ErrNonceDoesNotExist = errors.New("nonce does not exist")
	ErrNonceExpired      = errors.New("nonce has expired")
)

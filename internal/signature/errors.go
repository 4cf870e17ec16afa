package signature

import (
	"errors"
	"fmt"
)

// ErrSigning is matched by every *SigningError.
var ErrSigning = errors.New("signing failed")

// Class tells operators what to fix. Signing errors are never retried automatically.
type Class string

const (
	ClassMalformedCredential    Class = "malformed_credential"
	ClassMalformedDocument      Class = "malformed_document"
	ClassCertificateExpired     Class = "certificate_expired"
	ClassCertificateNotYetValid Class = "certificate_not_yet_valid"
	ClassCryptoFailure          Class = "crypto_failure"
)

type SigningError struct {
	Class Class
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrSigning, e.Class, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

func (e *SigningError) Is(target error) bool { return target == ErrSigning }

func signingErr(class Class, format string, args ...any) *SigningError {
	return &SigningError{Class: class, Err: fmt.Errorf(format, args...)}
}

package envelope

import "errors"

var (
	ErrSignature = errors.New("signature mismatch")
	ErrTimestamp = errors.New("timestamp outside tolerance")
	ErrPadding   = errors.New("invalid PKCS#7 padding")
	ErrReceiver  = errors.New("receiver id mismatch")
	ErrMalformed = errors.New("malformed envelope")
)

// CryptoError is returned for every verification or decryption failure.
// Requests failing with it are rejected at the boundary and never retried.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return "envelope: " + e.Op + ": " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error { return e.Err }

func cryptoErr(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}

package integrity

import "fmt"

// ErrorKind classifies an IntegrityError.
type ErrorKind string

const (
	InvalidCredential ErrorKind = "invalid_credential"
	SignatureInvalid  ErrorKind = "signature_invalid"
	StorageUnreadable ErrorKind = "storage_unreadable"
)

// IntegrityError reports a failure of the verifier itself, as opposed
// to drift, which is a normal check result.
type IntegrityError struct {
	Kind ErrorKind
	Path string
	Err  error
}

// Sentinels for errors.Is. Matching compares Kind only.
var (
	ErrInvalidCredential = &IntegrityError{Kind: InvalidCredential}
	ErrSignatureInvalid  = &IntegrityError{Kind: SignatureInvalid}
	ErrStorageUnreadable = &IntegrityError{Kind: StorageUnreadable}
)

func (e *IntegrityError) Error() string {
	msg := string(e.Kind)
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool {
	t, ok := target.(*IntegrityError)
	return ok && t.Kind == e.Kind
}

func credentialError(format string, args ...any) error {
	return &IntegrityError{Kind: InvalidCredential, Err: fmt.Errorf(format, args...)}
}

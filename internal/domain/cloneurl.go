package domain

import "fmt"

type CloneURLErrorKind string

const (
	CloneURLNoAccess          CloneURLErrorKind = "no_access"
	CloneURLNotFound          CloneURLErrorKind = "not_found"
	CloneURLAuthConfigInvalid CloneURLErrorKind = "auth_config_invalid"
	CloneURLTransient         CloneURLErrorKind = "transient"
)

// CloneURLError categorizes clone-URL resolution failures so the worker can
// decide between retrying the job and failing it outright.
type CloneURLError struct {
	Kind CloneURLErrorKind
	Msg  string
	Err  error
}

func (e *CloneURLError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("clone url (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("clone url (%s): %s", e.Kind, e.Msg)
}

func (e *CloneURLError) Unwrap() error { return e.Err }

// Retriable reports whether the failure is worth another attempt.
func (e *CloneURLError) Retriable() bool { return e.Kind == CloneURLTransient }

package cmd

import "fmt"

// AuthRequiredError indicates there is no usable session.
type AuthRequiredError struct {
	// Reason is the underlying error.
	Reason error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf(`Authentication required: %v

To log in, run:
  popupauth login`, e.Reason)
}

// Unwrap returns the underlying error.
func (e *AuthRequiredError) Unwrap() error {
	return e.Reason
}

// AuthFailedError indicates the login flow failed.
type AuthFailedError struct {
	// Reason is the underlying error.
	Reason error
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf(`Authentication failed: %v

To retry, run:
  popupauth login`, e.Reason)
}

// Unwrap returns the underlying error.
func (e *AuthFailedError) Unwrap() error {
	return e.Reason
}

package popup

import "fmt"

// PopupBlockedError is returned when the opener refuses to create a window.
type PopupBlockedError struct {
	URL string
	Err error
}

func (e *PopupBlockedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not open popup: %v", e.Err)
	}
	return "could not open popup"
}

func (e *PopupBlockedError) Unwrap() error {
	return e.Err
}

// PopupClosedError is returned when the popup was closed before an
// authorization code arrived.
type PopupClosedError struct{}

func (e *PopupClosedError) Error() string {
	return "popup was closed before authorization completed"
}

// Is matches any PopupClosedError.
func (e *PopupClosedError) Is(target error) bool {
	_, ok := target.(*PopupClosedError)
	return ok
}

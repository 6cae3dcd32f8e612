package api

import "github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"

// Error is the wire form of a failed call. Category carries the stable
// kernel error kind so clients can branch without parsing messages.
type Error struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Categorize converts any error into its wire form.
func Categorize(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Category: string(kernel.KindOf(err)),
		Message:  err.Error(),
	}
}

package render

import (
	"errors"
	"fmt"
)

var ErrMissingOutput = errors.New("render finished without output")

// TemplateNotConfiguredError means the template cannot be rendered at all.
// It is never retried.
type TemplateNotConfiguredError struct {
	TemplateID string
	Reason     string
}

func (e *TemplateNotConfiguredError) Error() string {
	return fmt.Sprintf("template %s is not configured: %s", e.TemplateID, e.Reason)
}

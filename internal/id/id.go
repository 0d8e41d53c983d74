package id

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}

// Short returns an 8 character token suitable for resource name suffixes.
func Short() string {
	return uuid.NewString()[:8]
}

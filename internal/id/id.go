package id

import "github.com/google/uuid"

// New returns a random UUID string. Ids carry no ordering.
func New() string {
	return uuid.NewString()
}

package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a task or workflow identifier.
// ULIDs sort lexicographically by creation time, which keeps listings stable.
func NewID() string {
	return ulid.Make().String()
}

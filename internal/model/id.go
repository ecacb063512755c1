package model

import "github.com/oklog/ulid/v2"

// NewID returns a new submission identifier. ULIDs sort by creation time, so
// listing by ID also lists in submission order.
func NewID() string {
	return ulid.Make().String()
}

package store

import "github.com/google/uuid"

// newID returns a time-ordered identifier so keys of one kind sort by
// creation time in both backends.
func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + id.String()
}

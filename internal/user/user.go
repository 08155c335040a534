package user

import "strings"

// ID is the opaque identifier handed to the core by the session provider.
type ID string

func (id ID) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// Package instanceid provides a stable identifier for the current process.
//
// The identifier is used to scope ownership of active-request slots so that a
// crashed instance's stale entries can be swept on the next startup without
// touching slots owned by its siblings.
package instanceid

import (
	"os"

	"github.com/google/uuid"
)

// Resolve returns INSTANCE_ID from the environment when set, otherwise a
// freshly generated random UUID. Call once at startup and thread the result
// through every constructor that needs it.
func Resolve() string {
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		return v
	}
	return uuid.New().String()
}

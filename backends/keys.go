package backends

import (
	"fmt"
	"strings"
)

// ValidateKey checks that key is usable as an object key on every backend.
//
// Keys are slash separated, relative and free of empty, "." and ".." segments so
// that filesystem-backed stores (and clients materializing keys as paths)
// can never be pointed outside their root.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, "\x00\\") {
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "":
			return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidKey, key)
		case ".", "..":
			return fmt.Errorf("%w: %q contains a relative segment", ErrInvalidKey, key)
		}
	}
	return nil
}

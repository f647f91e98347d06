//go:build !linux

package url

import (
	"testing"
)

// environmentCheck has no socket table to look at outside linux.
func environmentCheck(testing.TB, string) bool {
	return true
}

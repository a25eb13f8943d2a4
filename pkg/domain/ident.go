package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	idPattern    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)
)

func NewID() string {
	return uuid.NewString()
}

// IsID reports whether s has the identifier shape (hyphenated hex groups, 8-4-4-4-12).
func IsID(s string) bool {
	return idPattern.MatchString(s)
}
func CanonicalID(s string) string {
	return strings.ToLower(s)
}
func ValidAlias(s string) bool {
	return aliasPattern.MatchString(s)
}

// AliasKey is the form aliases are compared in.
func AliasKey(s string) string {
	return strings.ToLower(s)
}

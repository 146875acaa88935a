package sip

import (
	"strings"

	"github.com/google/uuid"
)

// MagicCookie prefixes every branch generated by RFC 3261 compliant elements.
const MagicCookie = "z9hG4bK"

// GenerateBranch returns a new globally unique branch parameter value.
func GenerateBranch() string {
	return MagicCookie + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsRFC3261Branch reports whether the branch starts with [MagicCookie].
func IsRFC3261Branch(branch string) bool {
	return len(branch) > len(MagicCookie) && strings.HasPrefix(branch, MagicCookie)
}

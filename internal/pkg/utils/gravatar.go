package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

const defaultGravatarSize = 160

// GetGravatarURL builds the Gravatar avatar URL for an email address. Sizes
// of zero or below fall back to the default; unknown addresses resolve to the
// "mystery person" placeholder.
func GetGravatarURL(email string, size int) string {
	if size <= 0 {
		size = defaultGravatarSize
	}

	normalized := strings.ToLower(strings.TrimSpace(email))
	hash := md5.Sum([]byte(normalized))

	return fmt.Sprintf("https://www.gravatar.com/avatar/%x?s=%d&d=mp", hash, size)
}

package utils

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a stable hash of message content. Content is hashed
// byte for byte; no case folding or whitespace trimming.
func Fingerprint(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(content), 16)
}

// Package vault implements off-site stores for attachment bytes. Objects are
// keyed by the hex blake3 checksum of the plaintext attachment.
package vault

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned by GetContent for an unknown checksum.
var ErrNotFound = errors.New("content not found")

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

// validateChecksum rejects keys that are not lowercase hex, so a key can
// never name a path outside the vault.
func validateChecksum(checksum string) error {
	if !checksumPattern.MatchString(checksum) {
		return fmt.Errorf("invalid checksum %q", checksum)
	}
	return nil
}

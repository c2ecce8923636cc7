// Package fingerprint derives content-addressed document ids and the
// conversation keys built from them.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// Empty is the fingerprint of zero bytes.
const Empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Fingerprint returns the lowercase hex SHA-256 of content. Bytes are hashed
// as-is: whitespace or encoding differences yield a different fingerprint.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FingerprintString hashes the UTF-8 bytes of s.
func FingerprintString(s string) string {
	return Fingerprint([]byte(s))
}

// FingerprintReader hashes r to EOF and reports the number of bytes read.
func FingerprintReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ConversationKey names the conversation of one upload: "{id}-{uploadTimestamp}".
// id is a fingerprint or, for documents without one, a document id.
func ConversationKey(idOrFingerprint string, uploadTimestamp int64) string {
	return idOrFingerprint + "-" + strconv.FormatInt(uploadTimestamp, 10)
}

// FallbackKey is the dedupe key of records that carry no conversation id.
// A zero timestamp renders as an empty segment.
func FallbackKey(fingerprint string, uploadTimestamp int64, userID string) string {
	ts := ""
	if uploadTimestamp != 0 {
		ts = strconv.FormatInt(uploadTimestamp, 10)
	}
	return fingerprint + "-" + ts + "-" + userID
}

// DocumentID returns the short document id "doc-{first 8 hex chars}".
func DocumentID(fingerprint string) string {
	if len(fingerprint) > 8 {
		fingerprint = fingerprint[:8]
	}
	return "doc-" + fingerprint
}

package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

var binaryTypes = []string{
	"image/", "video/", "audio/", "application/octet-stream",
	"application/pdf", "application/zip", "application/gzip", "font/",
}

var textTypes = []string{
	"text/", "application/json", "application/xml", "application/problem+json",
}

// safeBodyPreview returns a loggable preview of a response body. Binary and
// unknown content is reduced to its size and a hash, text is truncated.
func safeBodyPreview(body []byte, contentType string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 200
	}
	ct := strings.ToLower(contentType)
	for _, t := range binaryTypes {
		if strings.Contains(ct, t) {
			return digest("binary", body)
		}
	}
	text := ct == ""
	for _, t := range textTypes {
		if strings.Contains(ct, t) {
			text = true
			break
		}
	}
	if !text {
		return digest("unknown type", body)
	}
	if len(body) > maxChars {
		return fmt.Sprintf("%s[truncated, total: %d bytes]", body[:maxChars], len(body))
	}
	return string(body)
}

func digest(kind string, body []byte) string {
	hash := sha256.Sum256(body)
	return fmt.Sprintf("<%s: %d bytes, sha256=%s>", kind, len(body), hex.EncodeToString(hash[:8]))
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"unicode"
)

// ArtifactKey identifies the compressed output of one source image.
type ArtifactKey struct {
	RequestID   string
	ProductName string
	Index       int
}

// Path returns the slash-separated relative path of the artifact.
// The name is stable for a key, so a redelivered job overwrites
// its own earlier output instead of creating a new file.
func (k ArtifactKey) Path(ext string) string {
	sum := sha256.Sum256([]byte(k.ProductName))
	name := fmt.Sprintf("%s-%s-%d%s", slug(k.ProductName), hex.EncodeToString(sum[:4]), k.Index, ext)
	return path.Join(slug(k.RequestID), name)
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 48 {
		out = strings.TrimSuffix(out[:48], "-")
	}
	if out == "" {
		return "item"
	}
	return out
}

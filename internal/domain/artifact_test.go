package domain

import (
	"strings"
	"testing"
)

func TestArtifactKey_Path(t *testing.T) {
	key := ArtifactKey{RequestID: "req-1", ProductName: "Red Shoe / Size 9", Index: 2}

	got := key.Path(".jpg")
	if !strings.HasPrefix(got, "req-1/red-shoe-size-9-") {
		t.Errorf("Path() = %q, want prefix %q", got, "req-1/red-shoe-size-9-")
	}
	if !strings.HasSuffix(got, "-2.jpg") {
		t.Errorf("Path() = %q, want suffix %q", got, "-2.jpg")
	}
	if again := key.Path(".jpg"); again != got {
		t.Errorf("Path() not stable: %q then %q", got, again)
	}
}

func TestArtifactKey_PathDistinguishesProducts(t *testing.T) {
	// Same slug, different names
	a := ArtifactKey{RequestID: "r", ProductName: "Shoe!", Index: 0}.Path(".jpg")
	b := ArtifactKey{RequestID: "r", ProductName: "shoe", Index: 0}.Path(".jpg")
	if a == b {
		t.Errorf("Path() collision: %q", a)
	}

	c := ArtifactKey{RequestID: "r", ProductName: "shoe", Index: 1}.Path(".jpg")
	if b == c {
		t.Errorf("Path() ignores index: %q", b)
	}
}

func TestArtifactKey_PathNonASCII(t *testing.T) {
	got := ArtifactKey{RequestID: "r", ProductName: "Ключ", Index: 0}.Path(".jpg")
	if !strings.HasPrefix(got, "r/item-") {
		t.Errorf("Path() = %q, want fallback slug", got)
	}
}

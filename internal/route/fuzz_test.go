package route

import (
	"strings"
	"testing"

	"github.com/dskow/resilient-client/internal/descriptor"
)

func FuzzNormalize(f *testing.F) {
	f.Add("diary/123")
	f.Add("/diary/stats/")
	f.Add("diary/5f0c7c44-7c1a-4c59-9a0e-2b1d1b9f6c10")
	f.Add("a//b")
	f.Add("")
	f.Add("/")
	f.Add(":id")

	f.Fuzz(func(t *testing.T, endpoint string) {
		n := Normalize(endpoint)

		if strings.Contains(n, "/") {
			t.Errorf("Normalize(%q) = %q still contains a slash", endpoint, n)
		}
		// Normalization only ever drops a trailing segment of the
		// canonical form.
		if c := descriptor.CanonicalEndpoint(endpoint); !strings.HasPrefix(c, n) {
			t.Errorf("Normalize(%q) = %q is not a prefix of %q", endpoint, n, c)
		}
		_ = Derive(endpoint, "POST")
	})
}

func FuzzMatchesPrefix(f *testing.F) {
	f.Add("/call/diary/123", "/call/diary")
	f.Add("/call.evil.com/steal", "/call")
	f.Add("", "")
	f.Add("/", "/")

	f.Fuzz(func(t *testing.T, path, prefix string) {
		result := MatchesPrefix(path, prefix)
		if result && len(path) > len(prefix) && len(prefix) > 0 {
			if prefix[len(prefix)-1] != '/' && path[len(prefix)] != '/' {
				t.Errorf("MatchesPrefix(%q, %q) = true but boundary not enforced", path, prefix)
			}
		}
	})
}

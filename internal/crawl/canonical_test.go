package crawl

import (
	"net/url"
	"testing"
)

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		in          string
		ignoreQuery bool
		want        string
	}{
		{"https://Example.com/Path/", false, "https://example.com/Path"},
		{"https://www.example.com/a#section", false, "https://example.com/a"},
		{"https://example.com/a?b=1&c=2", false, "https://example.com/a?b=1&c=2"},
		{"https://example.com/a?b=1", true, "https://example.com/a"},
		{"example.com/page", false, "https://example.com/page"},
		{"https://example.com/", false, "https://example.com/"},
	}
	for _, tc := range cases {
		got, err := CanonicalURL(tc.in, tc.ignoreQuery)
		if err != nil {
			t.Fatalf("CanonicalURL(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("CanonicalURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalURLIdempotent(t *testing.T) {
	inputs := []string{
		"https://WWW.Example.com/Some/Path/?q=1#frag",
		"http://example.com/a/b/",
		"example.com",
	}
	for _, in := range inputs {
		once, err := CanonicalURL(in, true)
		if err != nil {
			t.Fatalf("first pass %q: %v", in, err)
		}
		twice, err := CanonicalURL(once, true)
		if err != nil {
			t.Fatalf("second pass %q: %v", once, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestCanonicalURLRejects(t *testing.T) {
	for _, in := range []string{"", "ftp://example.com/file", "https://"} {
		if _, err := CanonicalURL(in, false); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestSameSite(t *testing.T) {
	origin, _ := url.Parse("https://example.com")

	same, _ := url.Parse("https://www.example.com/page")
	if !SameSite(origin, same, false) {
		t.Fatal("www host should match origin")
	}

	sub, _ := url.Parse("https://docs.example.com/page")
	if SameSite(origin, sub, false) {
		t.Fatal("subdomain must not match without allowSubdomains")
	}
	if !SameSite(origin, sub, true) {
		t.Fatal("subdomain should match with allowSubdomains")
	}

	other, _ := url.Parse("https://example.org/page")
	if SameSite(origin, other, true) {
		t.Fatal("different domain must never match")
	}
}

func TestPathFilters(t *testing.T) {
	filters, err := CompilePathFilters([]string{`^/blog/`}, []string{`\.pdf$`}, false)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	blog, _ := url.Parse("https://example.com/blog/post-1")
	if !filters.Allows(blog) {
		t.Fatal("include pattern should admit /blog/ paths")
	}

	docs, _ := url.Parse("https://example.com/docs/intro")
	if filters.Allows(docs) {
		t.Fatal("non-matching path should be rejected when includes are set")
	}

	pdf, _ := url.Parse("https://example.com/blog/report.pdf")
	if filters.Allows(pdf) {
		t.Fatal("exclude must win over include")
	}
}

func TestPathFiltersFullURL(t *testing.T) {
	filters, err := CompilePathFilters(nil, []string{`example\.com/private`}, true)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	private, _ := url.Parse("https://example.com/private/x")
	if filters.Allows(private) {
		t.Fatal("full-URL exclude should reject")
	}
	public, _ := url.Parse("https://example.com/public/x")
	if !filters.Allows(public) {
		t.Fatal("empty include list should admit everything not excluded")
	}
}

func TestCompilePathFiltersBadPattern(t *testing.T) {
	if _, err := CompilePathFilters([]string{`[unclosed`}, nil, false); err == nil {
		t.Fatal("expected error for invalid include pattern")
	}
	if _, err := CompilePathFilters(nil, []string{`(?bad)`}, false); err == nil {
		t.Fatal("expected error for invalid exclude pattern")
	}
}

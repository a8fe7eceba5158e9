package scrape

import "testing"

func testRegistry() *Registry {
	return NewRegistry(
		NewSSRJSON(),
		NewAJAXDOM(),
		NewEmbedded(EmbeddedOptions{}),
	)
}

func TestDetect_URLFirst(t *testing.T) {
	// WHAT: URL regexes are checked before HTML signatures.
	// WHY: URL matching is cheap and avoids an HTML prefetch.
	r := testRegistry()

	cases := []struct {
		url  string
		want string
	}{
		{"https://dutchie.com/dispensary/green-leaf/menu", PlatformSSR},
		{"https://shop.leafbridge.com/store/42", PlatformAJAX},
		{"https://dutchie.com/embedded-menu/high-tide", PlatformEmbedded},
	}
	for _, tc := range cases {
		s, err := r.Detect(tc.url, "")
		if err != nil {
			t.Fatalf("Detect(%q): %v", tc.url, err)
		}
		if s.Name() != tc.want {
			t.Errorf("Detect(%q) = %q, want %q", tc.url, s.Name(), tc.want)
		}
	}
}

func TestDetect_HTMLSignatureFallback(t *testing.T) {
	// WHAT: A white-label URL falls through to HTML signatures.
	r := testRegistry()

	s, err := r.Detect("https://shop.example-dispensary.com/menu",
		`<html><body><div class="lb-product-card"></div></body></html>`)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if s.Name() != PlatformAJAX {
		t.Errorf("strategy = %q, want %q", s.Name(), PlatformAJAX)
	}
}

func TestDetect_NoMatch(t *testing.T) {
	// WHAT: An unrecognized target returns ErrNoStrategy.
	r := testRegistry()
	if _, err := r.Detect("https://example.com", "<html></html>"); err != ErrNoStrategy {
		t.Errorf("err = %v, want ErrNoStrategy", err)
	}
}

func TestDetect_FirstMatchWins(t *testing.T) {
	// WHAT: The registry is ordered; embedded-menu URLs on dutchie.com
	// must resolve to the embedded strategy, not SSR.
	r := testRegistry()
	s, err := r.Detect("https://dutchie.com/embedded-menu/high-tide", "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if s.Name() != PlatformEmbedded {
		t.Errorf("strategy = %q, want %q", s.Name(), PlatformEmbedded)
	}
}

func TestByName(t *testing.T) {
	// WHAT: ByName resolves pinned platforms from location config.
	r := testRegistry()
	if s := r.ByName(PlatformEmbedded); s == nil || s.Name() != PlatformEmbedded {
		t.Errorf("ByName(%q) = %v", PlatformEmbedded, s)
	}
	if s := r.ByName("unknown"); s != nil {
		t.Errorf("ByName(unknown) = %v, want nil", s)
	}
}

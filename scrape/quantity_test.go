package scrape

import "testing"

func TestParseQuantityText(t *testing.T) {
	// WHAT: Each detail-page quantity pattern yields its count.
	cases := []struct {
		text string
		want int
		ok   bool
	}{
		{"Hurry, only 3 left in stock!", 3, true},
		{"only 2 left", 2, true},
		{"7 left at this price", 7, true},
		{"4 remaining", 4, true},
		{"12 available for pickup", 12, true},
		{"Limited: 5", 5, true},
		{"Low stock: 2", 2, true},
		{"plenty in stock", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseQuantityText(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseQuantityText(%q) = (%d,%v), want (%d,%v)", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestContainsOutOfStock(t *testing.T) {
	// WHAT: Out-of-stock phrases are matched case-insensitively.
	for _, s := range []string{"OUT OF STOCK", "Sold Out", "currently unavailable", "This item is not available"} {
		if !ContainsOutOfStock(s) {
			t.Errorf("ContainsOutOfStock(%q) = false", s)
		}
	}
	if ContainsOutOfStock("everything in stock") {
		t.Error("false positive on in-stock text")
	}
}

func TestParseWarning(t *testing.T) {
	// WHAT: Card warnings yield an estimated quantity; a bare "low stock"
	// estimates 1; non-warnings return ok=false.
	cases := []struct {
		text string
		want int
		ok   bool
	}{
		{"Only 3 left!", 3, true},
		{"2 remaining", 2, true},
		{"Low stock", 1, true},
		{"Fresh drop", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseWarning(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseWarning(%q) = (%d,%v), want (%d,%v)", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseLimitText(t *testing.T) {
	// WHAT: Cart limit messages after an overflow write yield the cap.
	cases := []struct {
		text string
		want int
		ok   bool
	}{
		{"Maximum of 8 per order", 8, true},
		{"max 4", 4, true},
		{"Limited to 6", 6, true},
		{"limit 2 per customer", 2, true},
		{"Only 5 available", 5, true},
		{"You cannot add more than 3 of this item", 3, true},
		{"added to cart", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseLimitText(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseLimitText(%q) = (%d,%v), want (%d,%v)", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

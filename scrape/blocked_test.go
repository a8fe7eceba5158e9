package scrape

import (
	"strings"
	"testing"
)

func TestCheckBlocked_BodySignatures(t *testing.T) {
	// WHAT: Known Cloudflare markers in the body flag the page as blocked.
	cases := []string{
		`<div id="cf-browser-verification"></div>`,
		`<script>window._cf_chl_opt={}</script>`,
		`<div class="cf-turnstile"></div>`,
		`<iframe src="https://challenges.cloudflare.com/x"></iframe>`,
		`<h1>Error 1015</h1>`,
		`<h1>Error 1020</h1>`,
	}
	for _, html := range cases {
		if CheckBlocked(html, "Menu") == nil {
			t.Errorf("CheckBlocked(%q) = nil, want blocked", html)
		}
	}
}

func TestCheckBlocked_TitleSignatures(t *testing.T) {
	// WHAT: Challenge page titles flag the page regardless of body size.
	for _, title := range []string{"Just a moment...", "Attention Required! | Cloudflare"} {
		if CheckBlocked("<html><body>menu</body></html>", title) == nil {
			t.Errorf("CheckBlocked(title=%q) = nil, want blocked", title)
		}
	}
}

func TestCheckBlocked_RayIDOnlyOnSmallPages(t *testing.T) {
	// WHAT: "Ray ID" alone blocks only pages under 5KB.
	// WHY: A real menu can legitimately mention Cloudflare in its footer.
	small := "<html><body>Ray ID: 8abc123</body></html>"
	if CheckBlocked(small, "") == nil {
		t.Error("small page with Ray ID should be blocked")
	}

	large := "<html><body>Ray ID: 8abc123" + strings.Repeat(" menu", 2048) + "</body></html>"
	if got := CheckBlocked(large, ""); got != nil {
		t.Errorf("large page blocked: %v", got)
	}
}

func TestCheckBlocked_CleanPage(t *testing.T) {
	// WHAT: A normal menu page is not blocked.
	if got := CheckBlocked("<html><body><div class='product-card'>Blue Dream</div></body></html>", "Green Leaf Menu"); got != nil {
		t.Errorf("clean page blocked: %v", got)
	}
}

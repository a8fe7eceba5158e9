package scrape

import "strings"

// Challenge signatures checked in HTML bodies. Matching any of these means
// the page is a bot wall, not a menu.
var htmlChallengeSignatures = []string{
	"cf-browser-verification",
	"cf_chl_opt",
	"cf-turnstile",
	"challenges.cloudflare.com",
	"error 1015",
	"error 1020",
}

// Challenge signatures checked in page titles.
var titleChallengeSignatures = []string{
	"just a moment",
	"attention required",
}

// smallPageThreshold: a Ray ID on a page this small is a challenge
// interstitial, not a menu that merely mentions Cloudflare.
const smallPageThreshold = 5 * 1024

// CheckBlocked inspects HTML and title for known bot-protection challenge
// signatures. Returns nil when the page looks like a real menu.
func CheckBlocked(html, title string) *BlockedError {
	lowerHTML := strings.ToLower(html)
	for _, sig := range htmlChallengeSignatures {
		if strings.Contains(lowerHTML, sig) {
			return &BlockedError{Signature: sig, Reason: "cloudflare challenge in body"}
		}
	}

	lowerTitle := strings.ToLower(title)
	for _, sig := range titleChallengeSignatures {
		if strings.Contains(lowerTitle, sig) {
			return &BlockedError{Signature: sig, Reason: "challenge page title"}
		}
	}

	if len(html) < smallPageThreshold && strings.Contains(lowerHTML, "ray id") {
		return &BlockedError{Signature: "ray id", Reason: "cloudflare interstitial"}
	}

	return nil
}

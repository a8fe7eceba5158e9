package orchestrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/verdantlabs/menuwatch/notify"
)

const (
	colorGreen  = 0x2ECC71
	colorOrange = 0xE67E22
	colorRed    = 0xE74C3C

	// Discord caps embed descriptions well above this; we cut earlier so
	// stack traces in error messages never dominate the channel.
	summaryDescLimit = 1000
	summaryMaxErrors = 5
)

// postSummary sends the operator embed for one tick. Best-effort: failures
// are logged, never returned.
func (o *Orchestrator) postSummary(ctx context.Context, s *TickSummary) {
	if o.summaryURL == "" {
		return
	}

	payload := notify.WebhookPayload{
		Username: "menuwatch",
		Embeds:   []notify.Embed{buildSummaryEmbed(s)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		o.log.Warn("summary marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.summaryURL, bytes.NewReader(body))
	if err != nil {
		o.log.Warn("summary request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Warn("summary post failed", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		o.log.Warn("summary rejected", "status", resp.StatusCode)
	}
}

// buildSummaryEmbed colors by outcome: green when every location succeeded,
// red when every location failed, orange in between.
func buildSummaryEmbed(s *TickSummary) notify.Embed {
	color := colorGreen
	title := "Scrape cycle complete"
	switch {
	case s.Locations > 0 && s.Succeeded == 0:
		color = colorRed
		title = "Scrape cycle failed"
	case s.Failed > 0 || len(s.Errors) > 0:
		color = colorOrange
		title = "Scrape cycle partial"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%d/%d** locations scraped", s.Succeeded, s.Locations)
	if s.Ingest != nil {
		fmt.Fprintf(&b, " · %d items · %d events", s.Ingest.TotalProcessed, s.Ingest.TotalEventsDetected)
	}
	if len(s.Errors) > 0 {
		b.WriteString("\n\n**Errors**\n")
		shown := s.Errors
		if len(shown) > summaryMaxErrors {
			shown = shown[:summaryMaxErrors]
		}
		for _, e := range shown {
			b.WriteString("• " + e + "\n")
		}
		if extra := len(s.Errors) - len(shown); extra > 0 {
			fmt.Fprintf(&b, "… and %d more\n", extra)
		}
	}

	desc := b.String()
	if len(desc) > summaryDescLimit {
		desc = desc[:summaryDescLimit-1] + "…"
	}

	return notify.Embed{
		Title:       title,
		Description: desc,
		Color:       color,
		Footer:      &notify.EmbedFoot{Text: "Batch " + s.BatchID},
	}
}

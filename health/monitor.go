// Package health evaluates scraper-fleet conditions and raises operator
// alerts over a Discord-compatible webhook.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/verdantlabs/menuwatch/notify"
	"github.com/verdantlabs/menuwatch/store"
)

// Alert condition types.
const (
	CondNewFailures     = "new_failures"
	CondHighFailureRate = "high_failure_rate"
	CondStaleScraper    = "stale_scraper"
	CondRateLimitSpike  = "rate_limit_spike"
)

// Severities, mildest first.
const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	defaultCooldown = 15 * time.Minute
	lookback        = time.Hour
	staleAfter      = 45 * time.Minute

	embedColorOrange = 0xE67E22
	embedColorRed    = 0xE74C3C
)

// Finding is one triggered condition.
type Finding struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Count    int    `json:"count"`
}

// Report is the outcome of one health pass.
type Report struct {
	Findings    []Finding `json:"findings"`
	Alerted     []string  `json:"alerted"`    // condition types that produced an alert row
	Suppressed  []string  `json:"suppressed"` // triggered but inside cooldown
	Unresolved  int       `json:"unresolved"`
	JobsLastHr  int       `json:"jobsLastHour"`
	FailureRate float64   `json:"failureRate"`
}

// Monitor evaluates the four fleet conditions on demand or on a ticker.
type Monitor struct {
	store      *store.Store
	client     *http.Client
	webhookURL string
	cooldown   time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithWebhook sets the operator alert destination. Empty disables delivery;
// alert rows are still recorded.
func WithWebhook(url string) Option { return func(m *Monitor) { m.webhookURL = url } }

// WithCooldown overrides the per-type alert cooldown.
func WithCooldown(d time.Duration) Option { return func(m *Monitor) { m.cooldown = d } }

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option { return func(m *Monitor) { m.client = c } }

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithClock replaces the clock, for tests.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New returns a Monitor bound to st.
func New(st *store.Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:    st,
		client:   &http.Client{Timeout: 15 * time.Second},
		cooldown: defaultCooldown,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Check evaluates every condition. Triggered conditions outside their
// per-type cooldown produce one ScraperAlert row each and a single combined
// webhook embed. force bypasses cooldowns.
func (m *Monitor) Check(ctx context.Context, force bool) (*Report, error) {
	now := m.now().UnixMilli()
	cutoff := now - lookback.Milliseconds()

	report := &Report{}

	unresolved, err := m.store.CountUnresolvedDeadLetters(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.Unresolved = unresolved
	if f := checkNewFailures(unresolved); f != nil {
		report.Findings = append(report.Findings, *f)
	}

	jobs, err := m.store.JobStatsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.JobsLastHr = jobs.Total
	if jobs.Total > 0 {
		report.FailureRate = float64(jobs.Failed) / float64(jobs.Total) * 100
	}
	if f := checkFailureRate(jobs); f != nil {
		report.Findings = append(report.Findings, *f)
	}

	stale, active, err := m.staleRetailers(ctx, now)
	if err != nil {
		return nil, err
	}
	if f := checkStale(stale, active); f != nil {
		report.Findings = append(report.Findings, *f)
	}

	rateLimited, err := m.store.CountDeadLettersByType(ctx, "rate_limit", cutoff)
	if err != nil {
		return nil, err
	}
	if f := checkRateLimitSpike(rateLimited); f != nil {
		report.Findings = append(report.Findings, *f)
	}

	if len(report.Findings) == 0 {
		return report, nil
	}

	var toAlert []Finding
	for _, f := range report.Findings {
		if !force {
			last, err := m.store.LastAlertAt(ctx, f.Type)
			if err != nil {
				return nil, err
			}
			if last > 0 && now-last < m.cooldown.Milliseconds() {
				report.Suppressed = append(report.Suppressed, f.Type)
				continue
			}
		}
		toAlert = append(toAlert, f)
	}
	if len(toAlert) == 0 {
		return report, nil
	}

	deliveredTo := m.deliver(ctx, toAlert, report)
	for _, f := range toAlert {
		data := fmt.Sprintf(`{"count":%d,"jobsLastHour":%d,"failureRate":%.1f,"unresolved":%d}`,
			f.Count, report.JobsLastHr, report.FailureRate, report.Unresolved)
		if _, err := m.store.InsertAlert(ctx, &store.ScraperAlert{
			Type:        f.Type,
			Severity:    f.Severity,
			Title:       alertTitle(f),
			Message:     f.Message,
			Data:        &data,
			DeliveredTo: deliveredTo,
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
		report.Alerted = append(report.Alerted, f.Type)
	}
	return report, nil
}

func checkNewFailures(unresolved int) *Finding {
	if unresolved < 3 {
		return nil
	}
	sev := SeverityMedium
	switch {
	case unresolved >= 10:
		sev = SeverityCritical
	case unresolved >= 5:
		sev = SeverityHigh
	}
	return &Finding{
		Type:     CondNewFailures,
		Severity: sev,
		Count:    unresolved,
		Message:  fmt.Sprintf("%d unresolved scrape failures in the last hour", unresolved),
	}
}

func checkFailureRate(jobs store.JobStats) *Finding {
	if jobs.Total == 0 {
		return nil
	}
	rate := float64(jobs.Failed) / float64(jobs.Total) * 100
	if rate < 20 {
		return nil
	}
	sev := SeverityMedium
	switch {
	case rate >= 50:
		sev = SeverityCritical
	case rate >= 30:
		sev = SeverityHigh
	}
	return &Finding{
		Type:     CondHighFailureRate,
		Severity: sev,
		Count:    jobs.Failed,
		Message:  fmt.Sprintf("%.0f%% of scrape jobs failed in the last hour (%d/%d)", rate, jobs.Failed, jobs.Total),
	}
}

func checkStale(stale, active int) *Finding {
	if stale < 3 {
		return nil
	}
	sev := SeverityMedium
	if active > 0 && stale*2 >= active {
		sev = SeverityHigh
	}
	return &Finding{
		Type:     CondStaleScraper,
		Severity: sev,
		Count:    stale,
		Message:  fmt.Sprintf("%d of %d active locations not scraped in 45 minutes", stale, active),
	}
}

func checkRateLimitSpike(n int) *Finding {
	if n < 5 {
		return nil
	}
	sev := SeverityHigh
	if n >= 10 {
		sev = SeverityCritical
	}
	return &Finding{
		Type:     CondRateLimitSpike,
		Severity: sev,
		Count:    n,
		Message:  fmt.Sprintf("%d rate-limit failures in the last hour", n),
	}
}

// staleRetailers counts active retailers whose primary menu source has not
// been scraped within the staleness window.
func (m *Monitor) staleRetailers(ctx context.Context, now int64) (stale, active int, err error) {
	retailers, err := m.store.ListRetailers(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	cutoff := now - staleAfter.Milliseconds()
	for _, r := range retailers {
		active++
		last := int64(0)
		if len(r.MenuSources) > 0 {
			last = r.MenuSources[0].LastScrapedAt
		} else if r.LastScrapedAt != nil {
			last = *r.LastScrapedAt
		}
		if last < cutoff {
			stale++
		}
	}
	return stale, active, nil
}

func alertTitle(f Finding) string {
	switch f.Type {
	case CondNewFailures:
		return "Scrape failures piling up"
	case CondHighFailureRate:
		return "High scrape failure rate"
	case CondStaleScraper:
		return "Locations going stale"
	case CondRateLimitSpike:
		return "Rate limiting spike"
	}
	return f.Type
}

// deliver posts one combined embed for the pass. Returns the channels that
// accepted it.
func (m *Monitor) deliver(ctx context.Context, findings []Finding, report *Report) []string {
	if m.webhookURL == "" {
		return []string{}
	}

	worst := SeverityMedium
	var lines []string
	for _, f := range findings {
		if rank(f.Severity) > rank(worst) {
			worst = f.Severity
		}
		lines = append(lines, fmt.Sprintf("• **%s** [%s]: %s", f.Type, f.Severity, f.Message))
	}
	color := embedColorOrange
	if worst == SeverityCritical {
		color = embedColorRed
	}

	payload := notify.WebhookPayload{
		Username: "menuwatch",
		Embeds: []notify.Embed{{
			Title:       fmt.Sprintf("⚠️ Scraper health: %s", worst),
			Description: strings.Join(lines, "\n"),
			Color:       color,
			Fields: []notify.EmbedField{
				{Name: "Unresolved failures", Value: fmt.Sprintf("%d", report.Unresolved), Inline: true},
				{Name: "Jobs last hour", Value: fmt.Sprintf("%d", report.JobsLastHr), Inline: true},
				{Name: "Failure rate", Value: fmt.Sprintf("%.1f%%", report.FailureRate), Inline: true},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return []string{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		return []string{}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Warn("health alert delivery failed", "error", err)
		return []string{}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.log.Warn("health alert rejected", "status", resp.StatusCode)
		return []string{}
	}
	return []string{"discord"}
}

func rank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Run evaluates on a fixed interval until the context ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx, false); err != nil {
				m.log.Error("health check failed", "error", err)
			}
		}
	}
}

// Package notify fans inventory events out to watcher webhooks and retries
// failed deliveries from a persistent queue.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/verdantlabs/menuwatch/store"
)

// Discord embed colors.
const (
	colorGreen  = 0x2ECC71
	colorBlue   = 0x3498DB
	colorOrange = 0xE67E22
	colorRed    = 0xE74C3C
)

// Embed is a Discord-compatible rich message block.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Footer      *EmbedFoot   `json:"footer,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// EmbedFoot is an embed footer.
type EmbedFoot struct {
	Text string `json:"text"`
}

// EmbedField is one name/value pair in an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// WebhookPayload is the body posted to a Discord-compatible webhook.
type WebhookPayload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

type eventContext struct {
	event    *store.InventoryEvent
	product  *store.Product
	brand    *store.Brand
	retailer *store.Retailer
}

// buildEmbed renders one alertable event for one watcher.
func buildEmbed(ec eventContext, watcherEmail string) Embed {
	brandName := ec.brand.Name
	productName := ec.product.Name

	var desc string
	var color int
	switch ec.event.EventType {
	case store.EventRestock:
		price := decodeFloat(ec.event.NewValue, "price")
		desc = fmt.Sprintf("🔔 **%s - %s** is back in stock!\n💵 $%.2f", brandName, productName, price)
		color = colorGreen
	case store.EventPriceDrop:
		prev := decodeFloat(ec.event.PreviousValue, "price")
		curr := decodeFloat(ec.event.NewValue, "price")
		pct := decodeFloat(ec.event.Metadata, "changePercent")
		desc = fmt.Sprintf("📉 **%s - %s** price dropped!\n💵 $%.2f → $%.2f (%.1f%% off)",
			brandName, productName, prev, curr, -pct)
		color = colorGreen
	case store.EventNewProduct:
		price := decodeFloat(ec.event.NewValue, "price")
		desc = fmt.Sprintf("🆕 %s just dropped **%s**!\n💵 $%.2f", brandName, productName, price)
		color = colorBlue
	}

	if ec.retailer != nil {
		desc += fmt.Sprintf("\n📍 @ %s (%s, %s)", ec.retailer.Name, ec.retailer.City, ec.retailer.State)
	}

	return Embed{
		Description: desc,
		Color:       color,
		Footer:      &EmbedFoot{Text: "Watching: " + watcherEmail},
	}
}

// decodeFloat pulls one numeric field out of a JSON-encoded event value.
func decodeFloat(raw *string, key string) float64 {
	if raw == nil {
		return 0
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return 0
	}
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

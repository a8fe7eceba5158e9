package store

// Event types produced by the delta engine and the batch sweep.
const (
	EventNewProduct     = "new_product"
	EventRestock        = "restock"
	EventSoldOut        = "sold_out"
	EventPriceDrop      = "price_drop"
	EventPriceIncrease  = "price_increase"
	EventLowStock       = "low_stock"
	EventQuantityChange = "quantity_change"
	EventRemoved        = "removed"
)

// Scrape job statuses.
const (
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Notification queue statuses.
const (
	QueuePending   = "pending"
	QueueDelivered = "delivered"
	QueueFailed    = "failed"
)

// MenuSource is one scrapable menu for a retailer.
type MenuSource struct {
	URL           string `json:"url"`
	Platform      string `json:"platform"`
	LastScrapedAt int64  `json:"lastScrapedAt,omitempty"`
}

type Retailer struct {
	ID            string
	Name          string
	Slug          string
	LicenseNumber string
	Street        string
	City          string
	State         string
	Zip           string
	Lat           *float64
	Lng           *float64
	Region        string
	IsActive      bool
	MenuSources   []MenuSource
	LastScrapedAt *int64
	CreatedAt     int64
	UpdatedAt     int64
}

type Brand struct {
	ID             string
	Name           string
	NormalizedName string
	Aliases        []string
	Category       *string
	IsVerified     bool
	FirstSeenAt    int64
}

type Product struct {
	ID             string
	BrandID        string
	Name           string
	NormalizedName string
	Category       string
	Subcategory    *string
	Strain         *string
	WeightAmount   *float64
	WeightUnit     *string
	THCMin         *float64
	THCMax         *float64
	CBDMin         *float64
	CBDMax         *float64
	ImageURL       string
	IsActive       bool
	FirstSeenAt    int64
	LastSeenAt     int64
}

type MenuSnapshot struct {
	ID              string
	RetailerID      string
	ProductID       string
	ScrapedAt       int64
	BatchID         string
	Price           float64
	OriginalPrice   *float64
	IsOnSale        bool
	DiscountPercent *int
	InStock         bool
	Quantity        *int
	QuantityWarning string
	QuantitySource  string
	SourceURL       string
	SourcePlatform  string
	RawProductName  string
	RawBrandName    string
	RawCategory     string
}

// QuantityPoint is one entry in the rolling quantity history, newest first.
type QuantityPoint struct {
	Quantity  int    `json:"quantity"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

type CurrentInventory struct {
	RetailerID      string
	ProductID       string
	BrandID         string
	CurrentPrice    float64
	PreviousPrice   *float64
	PriceChangedAt  *int64
	InStock         bool
	LastInStockAt   *int64
	OutOfStockSince *int64
	Quantity        *int
	PreviousQty     *int
	QuantityWarning string
	QuantitySource  string
	LastQuantityAt  *int64
	QuantityHistory []QuantityPoint
	DaysOnMenu      int
	LastUpdatedAt   int64
	LastSnapshotID  string
}

type InventoryEvent struct {
	ID            string
	RetailerID    string
	ProductID     *string
	BrandID       *string
	EventType     string
	PreviousValue *string // JSON
	NewValue      *string // JSON
	Metadata      *string // JSON
	BatchID       string
	Timestamp     int64
	Notified      bool
	NotifiedAt    *int64
}

type ScrapeJob struct {
	ID             string
	RetailerID     string
	SourcePlatform string
	SourceURL      string
	BatchID        string
	Status         string
	StartedAt      int64
	CompletedAt    int64
	ItemsScraped   int
	ItemsFailed    int
	ErrorMessage   string
	RetryCount     int
}

type DeadLetter struct {
	ID             string
	RetailerID     string
	ErrorType      string
	ErrorMessage   string
	FirstAttemptAt int64
	LastAttemptAt  int64
	Attempts       int
	ResolvedAt     *int64
}

type QueueEntry struct {
	ID               string
	WebhookURL       string
	Payload          string
	EventIDs         []string
	NotificationType string
	AttemptNumber    int
	Status           string
	CreatedAt        int64
	LastAttemptAt    *int64
	NextRetryAt      *int64
	DeliveredAt      *int64
	ErrorMessage     string
}

type ScraperAlert struct {
	ID             string
	Type           string
	Severity       string
	Title          string
	Message        string
	Data           *string // JSON
	DeliveredTo    []string
	Acknowledged   bool
	AcknowledgedAt *int64
	CreatedAt      int64
}

type Watch struct {
	ID             string
	Email          string
	ProductID      string
	BrandID        *string
	RetailerIDs    []string
	AlertTypes     []string
	WebhookURL     string
	IsActive       bool
	CreatedAt      int64
	LastNotifiedAt *int64
}

package store

// Schema is the complete menuwatch schema. All timestamps are Unix
// milliseconds; list-valued fields are JSON text columns.
const Schema = `
-- Dispensary locations (seeded externally)
CREATE TABLE IF NOT EXISTS retailers (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    slug             TEXT NOT NULL,
    license_number   TEXT NOT NULL DEFAULT '',
    street           TEXT NOT NULL DEFAULT '',
    city             TEXT NOT NULL DEFAULT '',
    state            TEXT NOT NULL DEFAULT '',
    zip              TEXT NOT NULL DEFAULT '',
    lat              REAL,
    lng              REAL,
    region           TEXT NOT NULL DEFAULT '',
    is_active        INTEGER NOT NULL DEFAULT 1,
    menu_sources     TEXT NOT NULL DEFAULT '[]',
    last_scraped_at  INTEGER,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retailers_active ON retailers(is_active, last_scraped_at);

-- Brands, created on first encounter by ingestion
CREATE TABLE IF NOT EXISTS brands (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    normalized_name  TEXT NOT NULL,
    aliases          TEXT NOT NULL DEFAULT '[]',
    category         TEXT,
    is_verified      INTEGER NOT NULL DEFAULT 0,
    first_seen_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_brands_normalized ON brands(normalized_name);

-- Canonical products, unique per brand
CREATE TABLE IF NOT EXISTS products (
    id               TEXT PRIMARY KEY,
    brand_id         TEXT NOT NULL REFERENCES brands(id),
    name             TEXT NOT NULL,
    normalized_name  TEXT NOT NULL,
    category         TEXT NOT NULL DEFAULT 'other',
    subcategory      TEXT,
    strain           TEXT,
    weight_amount    REAL,
    weight_unit      TEXT,
    thc_min          REAL,
    thc_max          REAL,
    cbd_min          REAL,
    cbd_max          REAL,
    image_url        TEXT NOT NULL DEFAULT '',
    is_active        INTEGER NOT NULL DEFAULT 1,
    first_seen_at    INTEGER NOT NULL,
    last_seen_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_products_brand_normalized ON products(brand_id, normalized_name);
CREATE INDEX IF NOT EXISTS idx_products_brand ON products(brand_id);

-- Append-only snapshot per scraped item
CREATE TABLE IF NOT EXISTS menu_snapshots (
    id               TEXT PRIMARY KEY,
    retailer_id      TEXT NOT NULL,
    product_id       TEXT NOT NULL REFERENCES products(id),
    scraped_at       INTEGER NOT NULL,
    batch_id         TEXT NOT NULL,
    price            REAL NOT NULL,
    original_price   REAL,
    is_on_sale       INTEGER NOT NULL DEFAULT 0,
    discount_percent INTEGER,
    in_stock         INTEGER NOT NULL,
    quantity         INTEGER,
    quantity_warning TEXT NOT NULL DEFAULT '',
    quantity_source  TEXT NOT NULL DEFAULT '',
    source_url       TEXT NOT NULL,
    source_platform  TEXT NOT NULL,
    raw_product_name TEXT NOT NULL,
    raw_brand_name   TEXT NOT NULL DEFAULT '',
    raw_category     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_snapshots_scraped ON menu_snapshots(scraped_at);

-- Exactly one row per (retailer, product)
CREATE TABLE IF NOT EXISTS current_inventory (
    retailer_id        TEXT NOT NULL,
    product_id         TEXT NOT NULL,
    brand_id           TEXT NOT NULL,
    current_price      REAL NOT NULL,
    previous_price     REAL,
    price_changed_at   INTEGER,
    in_stock           INTEGER NOT NULL,
    last_in_stock_at   INTEGER,
    out_of_stock_since INTEGER,
    quantity           INTEGER,
    previous_quantity  INTEGER,
    quantity_warning   TEXT NOT NULL DEFAULT '',
    quantity_source    TEXT NOT NULL DEFAULT '',
    last_quantity_at   INTEGER,
    quantity_history   TEXT NOT NULL DEFAULT '[]',
    days_on_menu       INTEGER NOT NULL DEFAULT 1,
    last_updated_at    INTEGER NOT NULL,
    last_snapshot_id   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (retailer_id, product_id)
);
CREATE INDEX IF NOT EXISTS idx_inventory_retailer ON current_inventory(retailer_id);
CREATE INDEX IF NOT EXISTS idx_inventory_in_stock ON current_inventory(in_stock);

-- Append-only change events, flipped to notified by the dispatcher
CREATE TABLE IF NOT EXISTS inventory_events (
    id             TEXT PRIMARY KEY,
    retailer_id    TEXT NOT NULL,
    product_id     TEXT,
    brand_id       TEXT,
    event_type     TEXT NOT NULL,
    previous_value TEXT,
    new_value      TEXT,
    metadata       TEXT,
    batch_id       TEXT NOT NULL,
    timestamp      INTEGER NOT NULL,
    notified       INTEGER NOT NULL DEFAULT 0,
    notified_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_time ON inventory_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_retailer ON inventory_events(retailer_id);
CREATE INDEX IF NOT EXISTS idx_events_product ON inventory_events(product_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON inventory_events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_notified ON inventory_events(notified);

-- Per-retailer scrape audit trail
CREATE TABLE IF NOT EXISTS scrape_jobs (
    id              TEXT PRIMARY KEY,
    retailer_id     TEXT NOT NULL,
    source_platform TEXT NOT NULL,
    source_url      TEXT NOT NULL,
    batch_id        TEXT NOT NULL,
    status          TEXT NOT NULL,
    started_at      INTEGER NOT NULL,
    completed_at    INTEGER NOT NULL,
    items_scraped   INTEGER NOT NULL DEFAULT 0,
    items_failed    INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_completed ON scrape_jobs(completed_at DESC);

-- Scrape failures awaiting operator attention
CREATE TABLE IF NOT EXISTS dead_letters (
    id               TEXT PRIMARY KEY,
    retailer_id      TEXT NOT NULL,
    error_type       TEXT NOT NULL,
    error_message    TEXT NOT NULL,
    first_attempt_at INTEGER NOT NULL,
    last_attempt_at  INTEGER NOT NULL,
    attempts         INTEGER NOT NULL DEFAULT 1,
    resolved_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_unresolved ON dead_letters(resolved_at, last_attempt_at);

-- Webhook payloads awaiting redelivery
CREATE TABLE IF NOT EXISTS notification_queue (
    id                TEXT PRIMARY KEY,
    webhook_url       TEXT NOT NULL,
    payload           TEXT NOT NULL,
    event_ids         TEXT NOT NULL DEFAULT '[]',
    notification_type TEXT NOT NULL DEFAULT '',
    attempt_number    INTEGER NOT NULL DEFAULT 1,
    status            TEXT NOT NULL DEFAULT 'pending',
    created_at        INTEGER NOT NULL,
    last_attempt_at   INTEGER,
    next_retry_at     INTEGER,
    delivered_at      INTEGER,
    error_message     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON notification_queue(status, next_retry_at);

-- Operator alerts emitted by the health monitor
CREATE TABLE IF NOT EXISTS scraper_alerts (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    severity        TEXT NOT NULL,
    title           TEXT NOT NULL,
    message         TEXT NOT NULL,
    data            TEXT,
    delivered_to    TEXT NOT NULL DEFAULT '[]',
    acknowledged    INTEGER NOT NULL DEFAULT 0,
    acknowledged_at INTEGER,
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_type_time ON scraper_alerts(type, created_at DESC);

-- Subscriber watches (owned externally; read by the dispatcher)
CREATE TABLE IF NOT EXISTS watches (
    id               TEXT PRIMARY KEY,
    email            TEXT NOT NULL,
    product_id       TEXT NOT NULL,
    brand_id         TEXT,
    retailer_ids     TEXT NOT NULL DEFAULT '[]',
    alert_types      TEXT NOT NULL DEFAULT '[]',
    webhook_url      TEXT NOT NULL DEFAULT '',
    is_active        INTEGER NOT NULL DEFAULT 1,
    created_at       INTEGER NOT NULL,
    last_notified_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_watches_product ON watches(product_id, is_active);
`

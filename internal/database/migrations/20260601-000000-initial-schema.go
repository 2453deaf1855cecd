package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260601-000000",
		Description: "Initial schema",
		Up: []string{
			// Curated catalog. sku_key is derived from the attribute
			// columns and never auto-created from ingestion.
			`CREATE TABLE IF NOT EXISTS golden_skus (
				id TEXT PRIMARY KEY,
				sku_key TEXT UNIQUE NOT NULL,
				model TEXT NOT NULL,
				storage TEXT NOT NULL,
				color TEXT NOT NULL,
				condition TEXT NOT NULL DEFAULT 'new',
				sim_variant TEXT,
				lock_state TEXT,
				region_variant TEXT,
				display_name TEXT NOT NULL,
				msrp_usd REAL,
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_golden_skus_model_condition ON golden_skus(model, condition)`,

			`CREATE TABLE IF NOT EXISTS merchants (
				id TEXT PRIMARY KEY,
				normalized_name TEXT UNIQUE NOT NULL,
				display_name TEXT NOT NULL,
				tier TEXT NOT NULL DEFAULT 'UNKNOWN',
				is_verified INTEGER NOT NULL DEFAULT 0,
				is_blacklisted INTEGER NOT NULL DEFAULT 0,
				has_physical_store INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,

			// Raw buffer: verbatim provider rows, before SKU linkage.
			`CREATE TABLE IF NOT EXISTS raw_offers (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				source_request_key TEXT NOT NULL,
				source_product_id TEXT,
				country_code TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				merchant_name TEXT NOT NULL DEFAULT '',
				product_link TEXT NOT NULL DEFAULT '',
				product_link_hash TEXT NOT NULL,
				detail_token TEXT,
				second_hand_condition TEXT,
				thumbnail TEXT,
				price_local REAL NOT NULL DEFAULT 0,
				currency TEXT NOT NULL DEFAULT 'USD',
				parsed_attrs_json TEXT,
				flags_json TEXT,
				match_reason_codes_json TEXT,
				matched_sku_id TEXT REFERENCES golden_skus(id),
				match_confidence REAL,
				ingested_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_offers_source_product
				ON raw_offers(source, country_code, source_product_id)
				WHERE source_product_id IS NOT NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_offers_source_link
				ON raw_offers(source, country_code, product_link_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_raw_offers_unmatched
				ON raw_offers(ingested_at) WHERE matched_sku_id IS NULL`,

			// Promoted offers, one per dedup key.
			`CREATE TABLE IF NOT EXISTS offers (
				id TEXT PRIMARY KEY,
				sku_id TEXT NOT NULL REFERENCES golden_skus(id),
				merchant_id TEXT REFERENCES merchants(id),
				dedup_key TEXT UNIQUE NOT NULL,
				country_code TEXT NOT NULL,
				country_name TEXT NOT NULL DEFAULT '',
				city TEXT,
				price_local REAL NOT NULL,
				currency TEXT NOT NULL,
				price_usd REAL NOT NULL CHECK (price_usd >= 0),
				final_effective_price REAL NOT NULL,
				formatted_local_price TEXT NOT NULL DEFAULT '',
				shop_name TEXT NOT NULL DEFAULT '',
				trust_score INTEGER NOT NULL DEFAULT 0,
				trust_reasons_json TEXT NOT NULL DEFAULT '[]',
				availability TEXT NOT NULL DEFAULT 'unknown',
				condition TEXT NOT NULL DEFAULT 'new',
				sim_info TEXT,
				warranty_info TEXT,
				restriction_info TEXT,
				provider_link TEXT NOT NULL DEFAULT '',
				merchant_url TEXT,
				detail_token TEXT,
				unknown_shipping INTEGER NOT NULL DEFAULT 0,
				unknown_refund INTEGER NOT NULL DEFAULT 0,
				source TEXT NOT NULL DEFAULT 'reconcile',
				match_confidence REAL NOT NULL DEFAULT 0,
				match_reason_codes_json TEXT NOT NULL DEFAULT '[]',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_offers_sku_country ON offers(sku_id, country_code)`,

			`CREATE TABLE IF NOT EXISTS pattern_phrases (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				phrase TEXT NOT NULL,
				is_enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(kind, phrase)
			)`,

			`CREATE TABLE IF NOT EXISTS pattern_suggestions (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				phrase TEXT NOT NULL,
				match_count_last INTEGER NOT NULL DEFAULT 0,
				match_count_max INTEGER NOT NULL DEFAULT 0,
				llm_confidence_last REAL,
				llm_confidence_max REAL,
				sample_size_last INTEGER NOT NULL DEFAULT 0,
				examples_json TEXT NOT NULL DEFAULT '[]',
				last_run_id TEXT,
				first_seen_at TEXT NOT NULL,
				last_seen_at TEXT NOT NULL,
				UNIQUE(kind, phrase)
			)`,
		},
	})
}

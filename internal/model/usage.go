package model

// UsageEvent is one per-minute usage counter row: how many requests a
// credential made against an endpoint during a given minute window.
// The credential is recorded by hash, never by raw key.
type UsageEvent struct {
	ID           int64  `json:"id" db:"id"`
	TS           int64  `json:"ts" db:"ts"`
	MinuteWindow int64  `json:"minute_window" db:"minute_window"`
	KeyHash      string `json:"key_hash" db:"key_hash"`
	Plan         string `json:"plan" db:"plan"`
	Endpoint     string `json:"endpoint" db:"endpoint"`
	Count        int64  `json:"count" db:"count"`
}

// UsageSummary is one aggregated row of the daily usage report.
type UsageSummary struct {
	KeyHash  string `json:"key_hash" db:"key_hash"`
	Plan     string `json:"plan" db:"plan"`
	Endpoint string `json:"endpoint" db:"endpoint"`
	Total    int64  `json:"total" db:"total"`
}

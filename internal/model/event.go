package model

import "time"

// EventName identifies a tracked analytics event.
type EventName string

const (
	EventAssign      EventName = "ab_assign"
	EventImpression  EventName = "ab_impression"
	EventCTAClick    EventName = "cta_click"
	EventBuyNowClick EventName = "buy_now_click"
	EventConversion  EventName = "ab_conversion"
)

// Deduplicated reports whether events with this name are subject to the dedup guard.
// Clicks and conversions are discrete user actions and always pass through.
func (n EventName) Deduplicated() bool {
	return n == EventImpression
}

// IsClick reports whether the event counts as a click in variant stats.
func (n EventName) IsClick() bool {
	return n == EventCTAClick || n == EventBuyNowClick
}

// Event is a single tracked analytics event.
type Event struct {
	ID            string         `json:"id"`
	Name          EventName      `json:"event"`
	ExperimentKey string         `json:"experiment"`
	Variant       string         `json:"variant"`
	SubjectID     string         `json:"subject,omitempty"`
	VisitorID     string         `json:"visitor_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Payload flattens the event into the JSON body expected by the logging endpoint
// and the dataLayer queue: metadata first, then the correlation fields on top.
func (e Event) Payload() map[string]any {
	p := make(map[string]any, len(e.Metadata)+6)
	for k, v := range e.Metadata {
		p[k] = v
	}
	p["event"] = string(e.Name)
	p["variant"] = e.Variant
	p["experiment"] = e.ExperimentKey
	if e.SubjectID != "" {
		p["subject"] = e.SubjectID
	}
	if e.VisitorID != "" {
		p["visitor_id"] = e.VisitorID
	}
	if e.ID != "" {
		p["event_id"] = e.ID
	}
	return p
}

// VariantStats aggregates event counts for one variant of an experiment.
type VariantStats struct {
	Variant        string  `json:"variant"`
	Assignments    int     `json:"assignments"`
	Impressions    int     `json:"impressions"`
	Clicks         int     `json:"clicks"`
	Conversions    int     `json:"conversions"`
	ClickRate      float64 `json:"click_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// ComputeRates fills ClickRate and ConversionRate from the raw counts.
// Rates are relative to impressions; zero impressions yields zero rates.
func (s *VariantStats) ComputeRates() {
	if s.Impressions == 0 {
		s.ClickRate, s.ConversionRate = 0, 0
		return
	}
	s.ClickRate = float64(s.Clicks) / float64(s.Impressions)
	s.ConversionRate = float64(s.Conversions) / float64(s.Impressions)
}

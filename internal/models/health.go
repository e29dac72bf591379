package models

import "time"

// QueueHealthSnapshot is a point-in-time sample of one queue, written by the
// health monitor on a fixed interval and never mutated.
type QueueHealthSnapshot struct {
	ID               int64     `json:"id"`
	Queue            string    `json:"queue"`
	Waiting          int64     `json:"waiting"`
	Processing       int64     `json:"processing"`
	Completed        int64     `json:"completed"`
	Failed           int64     `json:"failed"`
	Consumers        int64     `json:"consumers"`
	AvgProcessingMS  float64   `json:"avgProcessingMs"`
	AvgWaitMS        float64   `json:"avgWaitMs"`
	ThroughputPerMin float64   `json:"throughputPerMin"`
	Healthy          bool      `json:"healthy"`
	Issues           []string  `json:"issues"`
	SampledAt        time.Time `json:"sampledAt"`
}

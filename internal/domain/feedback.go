package domain

import "time"

// Feedback captures a satisfaction survey submission from the dashboard.
type Feedback struct {
	ID             string
	Email          string
	Satisfaction   int
	WantedFeatures []string
	Message        string
	SubmittedAt    time.Time
}

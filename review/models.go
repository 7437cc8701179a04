package review

import (
	"time"

	"gigflow/transition"
)

// AuthorRole identifies which side of the engagement wrote the review.
type AuthorRole string

const (
	AuthorClient AuthorRole = "client"
	AuthorWorker AuthorRole = "worker"
)

// Ratings holds the four star dimensions, each 1..5.
type Ratings struct {
	Quality         int `json:"quality"`
	Communication   int `json:"communication"`
	Punctuality     int `json:"punctuality"`
	Professionalism int `json:"professionalism"`
}

// Validate rejects any rating outside 1..5. The violation names the
// submit_review transition so callers surface it as a blocked precondition
// rather than an internal failure.
func (r Ratings) Validate() error {
	for _, v := range []struct {
		name  string
		value int
	}{
		{"quality", r.Quality},
		{"communication", r.Communication},
		{"punctuality", r.Punctuality},
		{"professionalism", r.Professionalism},
	} {
		if v.value < 1 || v.value > 5 {
			return transition.Preconditionf("submit_review", "%s rating %d out of range 1..5", v.name, v.value)
		}
	}
	return nil
}

// Review mirrors the reviews table. Rows are immutable after creation.
type Review struct {
	ID           string
	EngagementID string
	AuthorRole   AuthorRole
	AuthorID     string
	Ratings      Ratings
	Comment      string
	CreatedAt    time.Time
}

package models

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalJob is returned when an update targets a job that already reached success or failed.
	ErrTerminalJob = errors.New("job already terminal")
)

// JobStatus enumerates plate-solving job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Job is a single plate-solving submission tracked until it resolves.
type Job struct {
	ID            string       `json:"id"`
	ImageID       string       `json:"image_id"`
	SubmissionID  string       `json:"submission_id"`
	ExternalJobID *string      `json:"external_job_id,omitempty"`
	Status        string       `json:"status"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	Result        *SolveResult `json:"result,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Active reports whether the job still occupies a concurrency slot.
func (j Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// Terminal reports whether the job reached success or failed.
func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// ValidStatus reports whether status is one of the job statuses.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
// Transitions only move forward; a terminal job is superseded by a new job record.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusSuccess || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusSuccess || to == StatusFailed
	default:
		return false
	}
}

// Error kinds recorded in SolveError.
const (
	ErrorKindPermanent = "permanent"
	ErrorKindRejected  = "rejected"
	ErrorKindTimeout   = "timeout"
)

// SolveResult is the outcome payload of a job: a calibration once solved, or an error once failed.
type SolveResult struct {
	Calibration *Calibration `json:"calibration,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	MachineTags []string     `json:"machine_tags,omitempty"`
	Error       *SolveError  `json:"error,omitempty"`
}

// Calibration is the astrometric solution of an image.
type Calibration struct {
	RA           float64 `json:"ra"`
	Dec          float64 `json:"dec"`
	Radius       float64 `json:"radius"`
	PixelScale   float64 `json:"pixscale"`
	Orientation  float64 `json:"orientation"`
	Parity       float64 `json:"parity"`
	WidthArcsec  float64 `json:"width_arcsec,omitempty"`
	HeightArcsec float64 `json:"height_arcsec,omitempty"`
}

// Annotation is an object detected in the solved field.
type Annotation struct {
	Type   string   `json:"type"`
	Names  []string `json:"names"`
	PixelX float64  `json:"pixelx"`
	PixelY float64  `json:"pixely"`
	Radius float64  `json:"radius"`
}

// SolveError describes why a job failed.
type SolveError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

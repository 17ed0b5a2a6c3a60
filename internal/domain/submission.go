package domain

import "time"

// Submission status values.
const (
	SubmissionSubmitting = "submitting"
	SubmissionSucceeded  = "succeeded"
	SubmissionFailed     = "failed"
	SubmissionUnbilled   = "unbilled"
)

// Submission records one document sent to the processing backend.
type Submission struct {
	ID               string
	UserID           string
	ArtifactKind     ArtifactKind
	DocumentKind     DocumentKind
	TargetArtifactID string
	FileName         string
	SizeBytes        int64
	ArchiveKey       string
	Status           string
	FeeCharged       int64
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubmissionUpdate captures mutable fields for a submission.
type SubmissionUpdate struct {
	SubmissionID string
	Status       string
	FeeCharged   int64
	ArchiveKey   string
	Error        string
}

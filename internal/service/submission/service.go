package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/sheetledger/internal/archive"
	"github.com/splax/sheetledger/internal/backend"
	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/metrics"
	"github.com/splax/sheetledger/internal/repository"
	"github.com/splax/sheetledger/internal/service/provision"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	ledgerWriteTimeout  = 10 * time.Second
)

var pdfMagic = []byte("%PDF-")

var (
	// ErrInvalidInput is returned for malformed submissions.
	ErrInvalidInput = errors.New("submission: invalid input")
	// ErrInsufficientCredits is returned when the balance is below the fee.
	ErrInsufficientCredits = errors.New("submission: insufficient credits")
	// ErrLedgerInconsistency marks a processed document whose fee was not charged.
	ErrLedgerInconsistency = errors.New("submission: ledger inconsistency")
)

// LedgerInconsistencyError reports a billing gap: the backend processed the
// document but the fee deduction failed.
type LedgerInconsistencyError struct {
	SubmissionID string
	UserID       string
	Fee          int64
	Result       *backend.Result
	Err          error
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("submission %s processed but fee %d not charged to user %s: %v", e.SubmissionID, e.Fee, e.UserID, e.Err)
}

func (e *LedgerInconsistencyError) Unwrap() []error { return []error{ErrLedgerInconsistency, e.Err} }

// Processor sends documents to the processing backend.
type Processor interface {
	Process(ctx context.Context, doc backend.Document) (*backend.Result, error)
}

// Request describes one upload.
type Request struct {
	Identity         string
	ArtifactKind     string
	DocumentKind     string
	TargetArtifactID string
	FileName         string
	Content          []byte
}

// Outcome is returned for a processed and charged submission.
type Outcome struct {
	Submission domain.Submission
	Result     *backend.Result
	Balance    int64
}

// Service runs the admission, processing and billing workflow.
type Service struct {
	users       repository.UserRepository
	submissions repository.SubmissionRepository
	processor   Processor
	archive     archive.Archive
	fee         int64
	maxBytes    int64
	logger      *slog.Logger

	outcomes      *prometheus.CounterVec
	inconsistency *prometheus.CounterVec
	now           func() time.Time
}

// New constructs the submission service. A nil archive disables archiving.
func New(users repository.UserRepository, submissions repository.SubmissionRepository, processor Processor, arch archive.Archive, fee, maxBytes int64, logger *slog.Logger) Service {
	if arch == nil {
		arch = archive.Noop{}
	}
	if fee < 0 {
		fee = 0
	}
	return Service{
		users:       users,
		submissions: submissions,
		processor:   processor,
		archive:     arch,
		fee:         fee,
		maxBytes:    maxBytes,
		logger:      logger.With("component", "submission"),
		outcomes: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "submissions",
			Name:      "total",
			Help:      "Document submissions by outcome",
		}, []string{"outcome"}),
		inconsistency: metrics.CounterVec(prometheus.CounterOpts{
			Name: "ledger_inconsistencies_total",
			Help: "Processed documents whose fee could not be charged",
		}, []string{"artifact_kind"}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Fee returns the fixed charge per successful submission.
func (s Service) Fee() int64 { return s.fee }

// Submit validates req, checks the balance, sends the document to the backend
// and charges the fee only after the backend succeeded.
func (s Service) Submit(ctx context.Context, req Request) (*Outcome, error) {
	kind, doc, err := s.validate(req)
	if err != nil {
		s.outcomes.WithLabelValues("invalid").Inc()
		return nil, err
	}

	user, err := s.users.GetUserByIdentity(ctx, req.Identity)
	if err != nil {
		return nil, err
	}
	target, err := provision.ArtifactFor(user, kind)
	if err != nil {
		s.outcomes.WithLabelValues("not_provisioned").Inc()
		return nil, err
	}
	if explicit := strings.TrimSpace(req.TargetArtifactID); explicit != "" && explicit != target {
		s.outcomes.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: target artifact does not belong to user", ErrInvalidInput)
	}

	// Advisory: concurrent submissions may both pass before either is charged.
	if user.CreditBalance < s.fee {
		s.outcomes.WithLabelValues("insufficient_credits").Inc()
		return nil, fmt.Errorf("%w: balance %d, fee %d", ErrInsufficientCredits, user.CreditBalance, s.fee)
	}

	now := s.now()
	record := domain.Submission{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		ArtifactKind:     kind,
		DocumentKind:     doc,
		TargetArtifactID: target,
		FileName:         req.FileName,
		SizeBytes:        int64(len(req.Content)),
		Status:           domain.SubmissionSubmitting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.submissions.CreateSubmission(ctx, &record); err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}
	logger := s.logger.With("submission_id", record.ID, "user_id", user.ID, "artifact_kind", kind, "document_kind", doc)

	key := archive.Key(record.ID, now)
	if err := s.archive.Put(ctx, key, req.Content); err != nil {
		logger.Warn("failed to archive document", "error", err)
		key = ""
	}
	record.ArchiveKey = key

	result, err := s.processor.Process(ctx, backend.Document{
		DocumentKind:     string(doc),
		TargetArtifactID: target,
		FileName:         req.FileName,
		Content:          req.Content,
	})
	// Outcome writes survive caller cancellation.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	if err != nil {
		logger.Warn("backend processing failed", "error", err)
		s.update(writeCtx, logger, domain.SubmissionUpdate{
			SubmissionID: record.ID,
			Status:       domain.SubmissionFailed,
			ArchiveKey:   key,
			Error:        err.Error(),
		})
		if errors.Is(err, backend.ErrBackendTimeout) {
			s.outcomes.WithLabelValues("backend_timeout").Inc()
		} else {
			s.outcomes.WithLabelValues("backend_failure").Inc()
		}
		return nil, err
	}

	balance := user.CreditBalance
	if s.fee > 0 {
		charged, err := s.users.AdjustBalance(writeCtx, user.ID, -s.fee)
		if err != nil {
			logger.Error("fee deduction failed after successful processing",
				"alert", "ledger_inconsistency", "fee", s.fee, "error", err)
			s.inconsistency.WithLabelValues(string(kind)).Inc()
			s.outcomes.WithLabelValues("ledger_inconsistency").Inc()
			s.update(writeCtx, logger, domain.SubmissionUpdate{
				SubmissionID: record.ID,
				Status:       domain.SubmissionUnbilled,
				ArchiveKey:   key,
				Error:        err.Error(),
			})
			return nil, &LedgerInconsistencyError{
				SubmissionID: record.ID,
				UserID:       user.ID,
				Fee:          s.fee,
				Result:       result,
				Err:          err,
			}
		}
		balance = charged.CreditBalance
	}

	s.update(writeCtx, logger, domain.SubmissionUpdate{
		SubmissionID: record.ID,
		Status:       domain.SubmissionSucceeded,
		FeeCharged:   s.fee,
		ArchiveKey:   key,
	})
	s.outcomes.WithLabelValues("succeeded").Inc()
	logger.Info("document processed", "fee", s.fee, "balance", balance)

	record.Status = domain.SubmissionSucceeded
	record.FeeCharged = s.fee
	record.UpdatedAt = s.now()
	return &Outcome{Submission: record, Result: result, Balance: balance}, nil
}

// History returns the caller's most recent submissions, newest first.
func (s Service) History(ctx context.Context, identity string, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	user, err := s.users.GetUserByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.submissions.ListSubmissionsByUser(ctx, user.ID, limit)
}

func (s Service) validate(req Request) (domain.ArtifactKind, domain.DocumentKind, error) {
	kind, err := domain.ParseArtifactKind(req.ArtifactKind)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	doc := domain.DocumentKind(strings.ToLower(strings.TrimSpace(req.DocumentKind)))
	if doc == "" {
		doc = kind.DefaultDocument()
	}
	if !kind.Accepts(doc) {
		return "", "", fmt.Errorf("%w: document kind %q not accepted for %s (want one of %v)", ErrInvalidInput, doc, kind, kind.Documents())
	}
	if len(req.Content) == 0 {
		return "", "", fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	if s.maxBytes > 0 && int64(len(req.Content)) > s.maxBytes {
		return "", "", fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, s.maxBytes)
	}
	if !strings.EqualFold(filepath.Ext(req.FileName), ".pdf") {
		return "", "", fmt.Errorf("%w: only .pdf files are accepted", ErrInvalidInput)
	}
	if !bytes.HasPrefix(req.Content, pdfMagic) {
		return "", "", fmt.Errorf("%w: file is not a PDF", ErrInvalidInput)
	}
	return kind, doc, nil
}

func (s Service) update(ctx context.Context, logger *slog.Logger, update domain.SubmissionUpdate) {
	if err := s.submissions.UpdateSubmission(ctx, update); err != nil {
		logger.Warn("failed to update submission record", "status", update.Status, "error", err)
	}
}

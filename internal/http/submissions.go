package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/service/submission"
)

type submissionResponse struct {
	ID               string              `json:"id"`
	ArtifactKind     domain.ArtifactKind `json:"kind"`
	DocumentKind     domain.DocumentKind `json:"document_kind"`
	TargetArtifactID string              `json:"target_artifact_id"`
	FileName         string              `json:"file_name"`
	SizeBytes        int64               `json:"size_bytes"`
	Status           string              `json:"status"`
	FeeCharged       int64               `json:"fee_charged"`
	Error            string              `json:"error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

func presentSubmission(s domain.Submission) submissionResponse {
	return submissionResponse{
		ID:               s.ID,
		ArtifactKind:     s.ArtifactKind,
		DocumentKind:     s.DocumentKind,
		TargetArtifactID: s.TargetArtifactID,
		FileName:         s.FileName,
		SizeBytes:        s.SizeBytes,
		Status:           s.Status,
		FeeCharged:       s.FeeCharged,
		Error:            s.Error,
		CreatedAt:        s.CreatedAt,
	}
}

func (r *Router) handleSubmissions(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleSubmit(w, req)
	case http.MethodGet:
		r.handleSubmissionHistory(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	if r.maxUpload > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload+multipartMemoryBudget)
	}
	if err := req.ParseMultipartForm(multipartMemoryBudget); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeCodedError(w, http.StatusRequestEntityTooLarge, codeInvalidInput, "upload too large")
			return
		}
		writeCodedError(w, http.StatusBadRequest, codeInvalidInput, "multipart form required")
		return
	}
	defer func() {
		if req.MultipartForm != nil {
			_ = req.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := req.FormFile("file")
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, codeInvalidInput, "file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, codeInvalidInput, "could not read file")
		return
	}

	kind := req.FormValue("kind")
	if kind == "" {
		kind = req.FormValue("type")
	}
	outcome, err := r.submissions.Submit(req.Context(), submission.Request{
		Identity:         info.Identity,
		ArtifactKind:     kind,
		DocumentKind:     req.FormValue("document_kind"),
		TargetArtifactID: req.FormValue("target_artifact_id"),
		FileName:         header.Filename,
		Content:          content,
	})
	if err != nil {
		var ledgerErr *submission.LedgerInconsistencyError
		if errors.As(err, &ledgerErr) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":         "document processed but the fee could not be charged",
				"code":          codeLedgerInconsistency,
				"submission_id": ledgerErr.SubmissionID,
			})
			return
		}
		r.writeServiceError(w, req, err)
		return
	}

	resp := map[string]any{
		"submission": presentSubmission(outcome.Submission),
		"balance":    outcome.Balance,
	}
	if outcome.Result != nil {
		resp["message"] = outcome.Result.Message
		if len(outcome.Result.Raw) > 0 && json.Valid(outcome.Result.Raw) {
			resp["result"] = outcome.Result.Raw
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleSubmissionHistory(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(strings.TrimSpace(req.URL.Query().Get("limit")))
	history, err := r.submissions.History(req.Context(), info.Identity, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]submissionResponse, 0, len(history))
	for _, s := range history {
		out = append(out, presentSubmission(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submissions": out,
		"fee":         r.submissions.Fee(),
	})
}

package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dandi-tools/nwbflow/internal/agent"
	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/policy"
	"github.com/dandi-tools/nwbflow/internal/workflowerr"
	"github.com/dandi-tools/nwbflow/pkg/types"
)

// uploadFormMaxMemory bounds how much of a multipart upload is buffered
// in memory before spilling to a temp file; recordings are large, so
// this is deliberately small relative to typical file sizes.
const uploadFormMaxMemory = 32 << 20

// handleUpload accepts one or more files (a primary recording plus any
// vendor companion/sidecar files sharing its stem) and records them as
// the session's pending input. Rejected with 409 whenever a workflow is
// already consuming the current input.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	if !policy.CanAcceptUpload(snap) {
		writeError(w, http.StatusConflict, ErrCodeInvalidRequest, "cannot accept an upload while a workflow is in flight")
		return
	}

	if err := r.ParseMultipartForm(uploadFormMaxMemory); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed multipart upload: "+err.Error())
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "no files attached under the \"file\" field")
		return
	}

	if err := os.MkdirAll(s.config.UploadDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "cannot create upload directory")
		return
	}

	// Entering UPLOADING closes the window where a second upload could
	// slip past the CanAcceptUpload snapshot (the transition fails if the
	// status moved since that check), and discards the previous workflow
	// cycle's results, since a new upload starts a fresh cycle.
	if err := s.sessions.Transition(snap.Status, types.StatusUploading, func(sess *types.Session) {
		sess.ConversationPhase = types.PhaseIdle
		sess.MetadataPolicy = types.MetadataNotAsked
		sess.ValidationOutcome = types.OutcomeNone
		sess.ValidationReport = nil
		sess.OutputPath = ""
		sess.OutputChecksums = map[string]string{}
		sess.CorrectionAttempt = 0
		sess.PreviousValidationIssues = nil
		sess.UserProvidedInputThisAttempt = false
		sess.AutoCorrectionsAppliedThisAttempt = false
		sess.AutoExtractedMetadata = map[string]any{}
	}); err != nil {
		writeError(w, http.StatusConflict, ErrCodeInvalidRequest, "another request changed the session state; retry the upload")
		return
	}

	var filenames []string
	for _, fh := range files {
		dst := filepath.Join(s.config.UploadDir, filepath.Base(fh.Filename))
		if err := saveUploadedFile(fh, dst); err != nil {
			_ = s.sessions.Transition(types.StatusUploading, types.StatusFailed, nil)
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to save "+fh.Filename)
			return
		}
		filenames = append(filenames, dst)
	}

	primary := choosePrimaryInput(filenames)
	checksum, err := checksumFile(primary)
	if err != nil {
		_ = s.sessions.Transition(types.StatusUploading, types.StatusFailed, nil)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to checksum uploaded input")
		return
	}

	if err := s.sessions.Transition(types.StatusUploading, types.StatusUploaded, func(sess *types.Session) {
		sess.InputPath = primary
		sess.PendingConversionInputPath = primary
		sess.InputChecksum = checksum
		sess.UploadedFilenames = filenames
	}); err != nil {
		writeBusError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": s.instanceID,
		"status":     types.StatusUploaded,
		"checksum":   checksum,
	})
}

func saveUploadedFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func checksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// primarySuffixes are the vendor extensions that identify the file a
// conversion attempt should treat as its entry point; every other
// uploaded file is a companion discovered by stem matching.
var primarySuffixes = []string{".ap.bin", ".lf.bin", ".continuous", ".dat", ".bin"}

// choosePrimaryInput picks the entry-point file out of one upload batch:
// the first file matching a known primary suffix, or (with none
// matching) the largest file, which for a bare single-file upload is
// simply that file.
func choosePrimaryInput(paths []string) string {
	for _, suffix := range primarySuffixes {
		for _, p := range paths {
			if hasSuffixFold(p, suffix) {
				return p
			}
		}
	}
	sorted := append([]string(nil), paths...)
	sort.Slice(sorted, func(i, j int) bool {
		return fileSize(sorted[i]) > fileSize(sorted[j])
	})
	return sorted[0]
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return strings.EqualFold(s[len(s)-len(suffix):], suffix)
}

func (s *Server) handleStartConversion(w http.ResponseWriter, r *http.Request) {
	resp, err := s.bus.Send(r.Context(), bus.Request{Target: bus.TargetConversation, Action: agent.ActionStartConversion})
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": resp.Status, "payload": resp.Payload})
}

type chatRequestBody struct {
	Content string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed chat request body")
		return
	}

	resp, err := s.bus.Send(r.Context(), bus.Request{
		Target:  bus.TargetConversation,
		Action:  agent.ActionChatMessage,
		Payload: agent.ChatMessagePayload{Content: body.Content},
	})
	if err != nil {
		writeBusError(w, err)
		return
	}

	if resp.Status == agent.ChatStatusBusy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": resp.Status})
		return
	}

	out := map[string]any{"status": resp.Status}
	switch resp.Status {
	case agent.ChatStatusContinues:
		if chat, ok := resp.Payload.(agent.ChatResult); ok {
			out["message"] = chat.Message
			out["needs_more_info"] = chat.NeedsMoreInfo
		}
		out["ready_to_proceed"] = false
	case agent.ChatStatusReadyConvert:
		out["ready_to_proceed"] = true
		out["needs_more_info"] = false
		if chat, ok := resp.Payload.(agent.ChatResult); ok {
			out["message"] = chat.Message
			out["extracted_metadata"] = chat.ExtractedMetadata
		}
	case agent.ChatStatusError:
		out["message"] = resp.Payload
	}
	writeJSON(w, http.StatusOK, out)
}

type userInputRequestBody struct {
	Fields map[string]any `json:"fields"`
	Cancel bool           `json:"cancel"`
}

func (s *Server) handleUserInput(w http.ResponseWriter, r *http.Request) {
	var body userInputRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed user-input request body")
		return
	}

	resp, err := s.bus.Send(r.Context(), bus.Request{
		Target: bus.TargetConversation,
		Action: agent.ActionUserInput,
		Payload: agent.UserInputPayload{
			Fields: body.Fields,
			Cancel: body.Cancel,
		},
	})
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": resp.Status})
}

type retryApprovalRequestBody struct {
	Approve     bool `json:"approve"`
	RetryAnyway bool `json:"retry_anyway"`
}

func (s *Server) handleRetryApproval(w http.ResponseWriter, r *http.Request) {
	var body retryApprovalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed retry-approval request body")
		return
	}

	resp, err := s.bus.Send(r.Context(), bus.Request{
		Target: bus.TargetConversation,
		Action: agent.ActionRetryDecision,
		Payload: agent.RetryDecisionPayload{
			Approve:     body.Approve,
			RetryAnyway: body.RetryAnyway,
		},
	})
	if err != nil {
		if werr, ok := workflowerr.As(err); ok && werr.Kind == workflowerr.KindNoProgress {
			writeJSON(w, http.StatusOK, map[string]any{"status": resp.Status, "no_progress_warning": true})
			return
		}
		writeBusError(w, err)
		return
	}

	out := map[string]any{"status": resp.Status}
	if payload, ok := resp.Payload.(map[string]any); ok {
		for k, v := range payload {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type improvementDecisionRequestBody struct {
	Action      string `json:"action"`
	RetryAnyway bool   `json:"retry_anyway"`
}

func (s *Server) handleImprovementDecision(w http.ResponseWriter, r *http.Request) {
	var body improvementDecisionRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed improvement-decision request body")
		return
	}

	resp, err := s.bus.Send(r.Context(), bus.Request{
		Target: bus.TargetConversation,
		Action: agent.ActionImprovementDecision,
		Payload: agent.ImprovementDecisionPayload{
			Accept:      body.Action == "accept_as_is",
			RetryAnyway: body.RetryAnyway,
		},
	})
	if err != nil {
		if werr, ok := workflowerr.As(err); ok && werr.Kind == workflowerr.KindNoProgress {
			writeJSON(w, http.StatusOK, map[string]any{"status": resp.Status, "no_progress_warning": true})
			return
		}
		writeBusError(w, err)
		return
	}

	out := map[string]any{"status": resp.Status}
	if payload, ok := resp.Payload.(map[string]any); ok {
		for k, v := range payload {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	out := map[string]any{
		"status":            snap.Status,
		"conversationPhase": snap.ConversationPhase,
		"validationOutcome": snap.ValidationOutcome,
		"correctionAttempt": snap.CorrectionAttempt,
		"canRetry":          policy.CanRetry(snap, false, s.maxRetryAttempts),
		"inputPath":         snap.InputPath,
		"outputPath":        snap.OutputPath,
	}
	if snap.ValidationReport != nil {
		out["validationSummary"] = map[string]any{
			"issueCount":      len(snap.ValidationReport.Issues),
			"countBySeverity": snap.ValidationReport.CountBySeverity,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	if snap.ValidationReport == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no validation report for the current session")
		return
	}
	writeJSON(w, http.StatusOK, snap.ValidationReport)
}

func (s *Server) handleDownloadNWB(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	if snap.OutputPath == "" || !s.storage.Exists(snap.OutputPath) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no converted NWB output for the current session")
		return
	}
	http.ServeFile(w, r, snap.OutputPath)
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	if snap.OutputPath == "" {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no report for the current session")
		return
	}

	stem := outputStemFromPath(snap.OutputPath)
	format := formatOrDefault(r.URL.Query().Get("format"))
	version := snap.CorrectionAttempt + 1

	path := reportPath(s.storage.OutputDir(), stem, version, format)
	if !s.storage.Exists(path) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no report for the current session in the requested format")
		return
	}
	http.ServeFile(w, r, path)
}

func formatOrDefault(requested string) string {
	switch requested {
	case "json", "txt", "pdf":
		return requested
	default:
		return "json"
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Reset(); err != nil {
		writeError(w, http.StatusConflict, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Package sessionstore owns the single process-wide workflow Session.
// Every mutation goes through one of the methods here; callers never
// reach into the live struct directly, and every read is a deep copy
// taken under lock so downstream logic operates on immutable snapshots.
package sessionstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/pkg/types"
)

// ErrBadTransition is returned by Transition when the session's current
// status does not match the required `from` status.
var ErrBadTransition = errors.New("sessionstore: bad transition")

// ErrActiveWorkflow is returned by Reset when a conversion workflow is
// in flight; the caller must wait or let it finalise first.
var ErrActiveWorkflow = errors.New("sessionstore: cannot reset during an active workflow")

// Mutate runs against the live Session inside Transition's lock. It must
// not block or call back into the store.
type Mutate func(s *types.Session)

// Store is the single owner of the active Session. The status lock and
// the conversation-history lock are independent and are never held
// simultaneously by the same goroutine.
type Store struct {
	statusMu sync.Mutex
	session  *types.Session

	historyMu sync.Mutex

	bus *event.Bus
}

// New constructs a Store holding a freshly zeroed Session, publishing
// events to bus.
func New(bus *event.Bus) *Store {
	return &Store{
		session: types.ZeroSession(time.Now()),
		bus:     bus,
	}
}

// Snapshot returns a deep copy of the current session, safe for
// concurrent readers and for retention past the calling goroutine. The
// status and conversation locks are acquired sequentially, never
// simultaneously.
func (st *Store) Snapshot() *types.Session {
	st.statusMu.Lock()
	clone := cloneSession(st.session)
	st.statusMu.Unlock()

	clone.ConversationHistory = st.HistorySnapshot()
	return clone
}

// Transition verifies session.status == from (or from == types.StatusAny),
// runs mutate against the live session, stamps updated_at, and publishes
// a status_update event, all under the status lock. mutate must not
// perform blocking I/O or call back into the Store.
func (st *Store) Transition(from, to types.ConversionStatus, mutate Mutate) error {
	st.statusMu.Lock()
	if from != types.StatusAny && st.session.Status != from {
		current := st.session.Status
		st.statusMu.Unlock()
		return fmt.Errorf("%w: have %s, want %s", ErrBadTransition, current, from)
	}

	if mutate != nil {
		mutate(st.session)
	}
	st.session.Status = to
	st.session.UpdatedAt = time.Now()
	phase := st.session.ConversationPhase
	st.statusMu.Unlock()

	if st.bus != nil {
		st.bus.Publish(event.KindStatusUpdate, event.StatusUpdatePayload{Status: to, Phase: phase})
	}
	return nil
}

// AppendMessage appends one conversation turn under the conversation
// lock, enforcing the 50-message rolling window by dropping from the
// head.
func (st *Store) AppendMessage(role, content string) {
	st.historyMu.Lock()
	history := append(st.session.ConversationHistory, types.Message{Role: role, Content: content})
	if len(history) > types.MaxConversationHistory {
		history = history[len(history)-types.MaxConversationHistory:]
	}
	st.session.ConversationHistory = history
	st.historyMu.Unlock()

	if st.bus != nil {
		st.bus.Publish(event.KindConversationMessage, event.ConversationMessagePayload{Role: role, Content: content})
	}
}

// HistorySnapshot returns a copy of the rolling conversation window,
// guarded by the conversation lock so a concurrent AppendMessage cannot
// be observed half-applied.
func (st *Store) HistorySnapshot() []types.Message {
	st.historyMu.Lock()
	defer st.historyMu.Unlock()
	out := make([]types.Message, len(st.session.ConversationHistory))
	copy(out, st.session.ConversationHistory)
	return out
}

// TryAcquireLLM flips Session.LLMInflight from false to true and
// reports whether it succeeded. The lock is held only for this
// check-and-set; callers must not hold it across the external LLM call
// itself, only the flag's true/false state brackets that call.
func (st *Store) TryAcquireLLM() bool {
	st.statusMu.Lock()
	defer st.statusMu.Unlock()
	if st.session.LLMInflight {
		return false
	}
	st.session.LLMInflight = true
	return true
}

// ReleaseLLM clears Session.LLMInflight. Callers must call this exactly
// once for every successful TryAcquireLLM, including on error paths.
func (st *Store) ReleaseLLM() {
	st.statusMu.Lock()
	st.session.LLMInflight = false
	st.statusMu.Unlock()
}

// Reset atomically zeroes every field of the session and publishes a
// reset event. Rejected while a conversion workflow is active. The
// session pointer itself never changes: fields guarded by the status
// lock are zeroed in place, and the conversation history is cleared in
// its own critical section rather than holding both locks at once.
func (st *Store) Reset() error {
	st.statusMu.Lock()
	if isConversionInFlight(st.session.Status) {
		st.statusMu.Unlock()
		return ErrActiveWorkflow
	}
	z := types.ZeroSession(time.Now())
	s := st.session
	s.CreatedAt = z.CreatedAt
	s.UpdatedAt = z.UpdatedAt
	s.Status = z.Status
	s.ValidationOutcome = z.ValidationOutcome
	s.ConversationPhase = z.ConversationPhase
	s.MetadataPolicy = z.MetadataPolicy
	s.InputPath = ""
	s.UploadedFilenames = nil
	s.PendingConversionInputPath = ""
	s.InputChecksum = ""
	s.AutoExtractedMetadata = map[string]any{}
	s.UserProvidedMetadata = map[string]any{}
	s.OutputPath = ""
	s.OutputChecksums = map[string]string{}
	s.CorrectionAttempt = 0
	s.ValidationReport = nil
	s.PreviousValidationIssues = nil
	s.UserProvidedInputThisAttempt = false
	s.AutoCorrectionsAppliedThisAttempt = false
	s.DeclinedFields = map[string]bool{}
	s.LLMInflight = false
	s.PendingResumeAction = ""
	st.statusMu.Unlock()

	st.historyMu.Lock()
	st.session.ConversationHistory = nil
	st.historyMu.Unlock()

	if st.bus != nil {
		st.bus.Publish(event.KindReset, event.ResetPayload{})
	}
	return nil
}

func isConversionInFlight(status types.ConversionStatus) bool {
	switch status {
	case types.StatusDetectingFormat, types.StatusConverting, types.StatusValidating:
		return true
	default:
		return false
	}
}

// SetValidationResult atomically stores a validation report on the
// session. It does not by itself change status; callers transition
// separately via Transition.
func (st *Store) SetValidationResult(report *types.ValidationReport) {
	st.statusMu.Lock()
	st.session.ValidationReport = report
	st.session.ValidationOutcome = report.Outcome
	st.session.UpdatedAt = time.Now()
	st.statusMu.Unlock()

	if st.bus != nil {
		st.bus.Publish(event.KindValidationReport, event.ValidationReportPayload{
			Outcome: report.Outcome,
			Summary: summarize(report),
		})
	}
}

// MutateSession applies fn to the live session without changing status
// and without publishing an event, for updates (like merging
// conversationally-extracted metadata) that are not themselves a
// workflow transition.
func (st *Store) MutateSession(fn Mutate) {
	st.statusMu.Lock()
	if fn != nil {
		fn(st.session)
	}
	st.session.UpdatedAt = time.Now()
	st.statusMu.Unlock()
}

// SetPreviousIssues records the canonical issue-set snapshot an attempt
// finished with, for the next attempt's no-progress comparison. It does
// not change status and does not publish an event.
func (st *Store) SetPreviousIssues(keys []types.IssueKey) {
	st.statusMu.Lock()
	st.session.PreviousValidationIssues = append([]types.IssueKey(nil), keys...)
	st.session.UpdatedAt = time.Now()
	st.statusMu.Unlock()
}

// BeginAttempt increments correction_attempt and clears the per-attempt
// change flags; called once at the start of a new correction attempt,
// never at the end of validation.
func (st *Store) BeginAttempt() {
	st.statusMu.Lock()
	st.session.CorrectionAttempt++
	st.session.UserProvidedInputThisAttempt = false
	st.session.AutoCorrectionsAppliedThisAttempt = false
	st.session.UpdatedAt = time.Now()
	st.statusMu.Unlock()
}

func summarize(report *types.ValidationReport) string {
	if report == nil {
		return ""
	}
	return fmt.Sprintf("%s: %d issue(s)", report.Outcome, len(report.Issues))
}

// Finalize publishes the terminal event for one workflow cycle and
// transitions to the appropriate terminal status (COMPLETED for any
// PASSED_* outcome, FAILED otherwise).
func (st *Store) Finalize(terminal types.TerminalValidationStatus) error {
	status := types.StatusFailed
	switch terminal {
	case types.TerminalPassed, types.TerminalPassedImproved, types.TerminalPassedAccepted:
		status = types.StatusCompleted
	}

	err := st.Transition(types.StatusAny, status, nil)
	if err != nil {
		return err
	}

	if st.bus != nil {
		st.bus.Publish(event.KindFinalized, event.FinalizedPayload{TerminalStatus: terminal})
	}
	return nil
}

// cloneSession copies every field guarded by the status lock. It never
// touches ConversationHistory, which is exclusively owned by the
// conversation lock; Snapshot fills it in separately via
// HistorySnapshot so the two locks are never held at once.
func cloneSession(s *types.Session) *types.Session {
	clone := *s
	clone.ConversationHistory = nil

	clone.UploadedFilenames = append([]string(nil), s.UploadedFilenames...)
	clone.AutoExtractedMetadata = cloneAnyMap(s.AutoExtractedMetadata)
	clone.UserProvidedMetadata = cloneAnyMap(s.UserProvidedMetadata)
	clone.OutputChecksums = cloneStringMap(s.OutputChecksums)
	clone.PreviousValidationIssues = append([]types.IssueKey(nil), s.PreviousValidationIssues...)
	clone.DeclinedFields = cloneBoolMap(s.DeclinedFields)

	if s.ValidationReport != nil {
		reportCopy := *s.ValidationReport
		reportCopy.RawIssues = append([]types.RawIssue(nil), s.ValidationReport.RawIssues...)
		reportCopy.Issues = append([]types.Issue(nil), s.ValidationReport.Issues...)
		reportCopy.CountBySeverity = cloneSeverityCountMap(s.ValidationReport.CountBySeverity)
		clone.ValidationReport = &reportCopy
	}

	return &clone
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSeverityCountMap(m map[types.Severity]int) map[types.Severity]int {
	out := make(map[types.Severity]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

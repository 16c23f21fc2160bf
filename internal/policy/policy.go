// Package policy holds the pure decision functions that are the sole
// authority over workflow guards. No agent duplicates this logic;
// every guard call goes through one of these functions.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/dandi-tools/nwbflow/pkg/types"
)

// DefaultMaxAttempts is the soft safety-valve cap on correction_attempt
// referenced by CanRetry. It is never a hard contractual limit, since
// termination is the user's choice, so callers must surface a typed
// error, never a silent refusal, when this is hit.
const DefaultMaxAttempts = 5

// ShouldRequestMetadata is true iff the user has not yet been asked and
// at least one DANDI-required field is missing from the effective view.
func ShouldRequestMetadata(s *types.Session, requiredFields []string) bool {
	if s.MetadataPolicy != types.MetadataNotAsked {
		return false
	}
	effective := types.EffectiveMetadata(s)
	for _, field := range requiredFields {
		if _, ok := effective[field]; !ok {
			return true
		}
	}
	return false
}

// CanAcceptUpload is false only while a workflow is actively consuming
// the current input (uploading, detecting, converting, validating).
func CanAcceptUpload(s *types.Session) bool {
	switch s.Status {
	case types.StatusUploading, types.StatusDetectingFormat, types.StatusConverting, types.StatusValidating:
		return false
	default:
		return true
	}
}

// CanStartConversion requires an input to exist, the session to be in a
// state that can begin a workflow, and no conversion already in flight.
func CanStartConversion(s *types.Session) bool {
	if s.InputPath == "" {
		return false
	}
	switch s.Status {
	case types.StatusUploaded, types.StatusAwaitingUserInput, types.StatusCompleted, types.StatusFailed, types.StatusIdle:
		// fallthrough to the in-flight check below
	default:
		return false
	}
	return !IsConversionInFlight(s)
}

// IsConversionInFlight reports whether the session is mid-workflow in a
// way that a second start_conversion must not race.
func IsConversionInFlight(s *types.Session) bool {
	switch s.Status {
	case types.StatusDetectingFormat, types.StatusConverting, types.StatusValidating:
		return true
	default:
		return false
	}
}

// IsInActiveConversation is true when the session is paused waiting on
// the user with either prior turns or an open metadata request.
func IsInActiveConversation(s *types.Session) bool {
	if s.Status != types.StatusAwaitingUserInput {
		return false
	}
	return len(s.ConversationHistory) > 0 || s.ConversationPhase == types.PhaseMetadataCollection
}

// CanRetry is true when some change has been proposed since the last
// attempt (user input or an applied auto-correction) or retryAnyway was
// explicitly set. There is no hard cap in the design contract; maxAttempts
// <= 0 disables the soft safety valve entirely.
func CanRetry(s *types.Session, retryAnyway bool, maxAttempts int) bool {
	if maxAttempts > 0 && s.CorrectionAttempt >= maxAttempts && !retryAnyway {
		return false
	}
	if retryAnyway {
		return true
	}
	return s.UserProvidedInputThisAttempt || s.AutoCorrectionsAppliedThisAttempt
}

// DetectNoProgress is true iff newIssues is set-equal (by canonical
// (code, location) identity) to the previous attempt's issue set and
// neither per-attempt change flag is set.
func DetectNoProgress(s *types.Session, newIssues []types.RawIssue) bool {
	if s.UserProvidedInputThisAttempt || s.AutoCorrectionsAppliedThisAttempt {
		return false
	}
	return issueSetsEqual(canonicalize(newIssues), s.PreviousValidationIssues)
}

func canonicalize(issues []types.RawIssue) []types.IssueKey {
	keys := make([]types.IssueKey, 0, len(issues))
	for _, iss := range issues {
		keys = append(keys, types.KeyOf(iss))
	}
	return keys
}

func issueSetsEqual(a, b []types.IssueKey) bool {
	if len(a) != len(b) {
		return false
	}
	setA := make(map[types.IssueKey]int, len(a))
	for _, k := range a {
		setA[k]++
	}
	for _, k := range b {
		setA[k]--
	}
	for _, count := range setA {
		if count != 0 {
			return false
		}
	}
	return true
}

// hashIssueKeys reduces a canonical issue-key set to one comparable
// value. Keys are sorted first, so the digest does not depend on the
// order the issues were listed in.
func hashIssueKeys(keys []types.IssueKey) string {
	sorted := append([]types.IssueKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Code != sorted[j].Code {
			return sorted[i].Code < sorted[j].Code
		}
		return sorted[i].Location < sorted[j].Location
	})
	data, _ := json.Marshal(sorted)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IssueSetDigest returns a stable digest of a canonicalized issue set,
// useful for diagnostics when comparing attempts without reprinting the
// full issue list.
func IssueSetDigest(issues []types.RawIssue) string {
	return hashIssueKeys(canonicalize(issues))
}

package policy

import (
	"testing"
	"time"

	"github.com/dandi-tools/nwbflow/pkg/types"
)

var requiredFields = []string{"experimenter", "institution", "subject_id", "species", "sex"}

func freshSession() *types.Session {
	return types.ZeroSession(time.Now())
}

func TestShouldRequestMetadata(t *testing.T) {
	s := freshSession()
	if !ShouldRequestMetadata(s, requiredFields) {
		t.Fatal("expected true: not asked and fields missing")
	}

	s.MetadataPolicy = types.MetadataAskedOnce
	if ShouldRequestMetadata(s, requiredFields) {
		t.Fatal("expected false once already asked")
	}

	s2 := freshSession()
	for _, f := range requiredFields {
		s2.AutoExtractedMetadata[f] = "value"
	}
	if ShouldRequestMetadata(s2, requiredFields) {
		t.Fatal("expected false when all required fields already present")
	}
}

func TestCanAcceptUpload(t *testing.T) {
	blocked := []types.ConversionStatus{
		types.StatusUploading, types.StatusDetectingFormat, types.StatusConverting, types.StatusValidating,
	}
	for _, status := range blocked {
		s := freshSession()
		s.Status = status
		if CanAcceptUpload(s) {
			t.Errorf("expected upload blocked while status=%s", status)
		}
	}

	s := freshSession()
	s.Status = types.StatusIdle
	if !CanAcceptUpload(s) {
		t.Error("expected upload allowed while idle")
	}
}

func TestCanStartConversion(t *testing.T) {
	s := freshSession()
	s.Status = types.StatusIdle
	if CanStartConversion(s) {
		t.Fatal("expected false with empty input_path")
	}

	s.InputPath = "/data/in/recording.bin"
	if !CanStartConversion(s) {
		t.Fatal("expected true once input_path set and status idle")
	}

	s.Status = types.StatusConverting
	if CanStartConversion(s) {
		t.Fatal("expected false while a conversion is in flight")
	}
}

func TestIsInActiveConversation(t *testing.T) {
	s := freshSession()
	s.Status = types.StatusAwaitingUserInput
	s.ConversationPhase = types.PhaseMetadataCollection
	if !IsInActiveConversation(s) {
		t.Fatal("expected true during metadata collection")
	}

	s2 := freshSession()
	s2.Status = types.StatusAwaitingUserInput
	s2.ConversationHistory = []types.Message{{Role: "user", Content: "hi"}}
	if !IsInActiveConversation(s2) {
		t.Fatal("expected true with non-empty history")
	}

	s3 := freshSession()
	s3.Status = types.StatusAwaitingUserInput
	if IsInActiveConversation(s3) {
		t.Fatal("expected false with no history and no metadata-collection phase")
	}
}

func TestCanRetry(t *testing.T) {
	s := freshSession()
	if CanRetry(s, false, DefaultMaxAttempts) {
		t.Fatal("expected false: no proposed change and retryAnyway not set")
	}

	s.UserProvidedInputThisAttempt = true
	if !CanRetry(s, false, DefaultMaxAttempts) {
		t.Fatal("expected true: user provided input this attempt")
	}

	s2 := freshSession()
	if !CanRetry(s2, true, DefaultMaxAttempts) {
		t.Fatal("expected true: retryAnyway overrides the no-change block")
	}
}

func TestCanRetry_SoftCapIsASafetyValveNotTheContract(t *testing.T) {
	s := freshSession()
	s.AutoCorrectionsAppliedThisAttempt = true
	s.CorrectionAttempt = DefaultMaxAttempts

	if CanRetry(s, false, DefaultMaxAttempts) {
		t.Fatal("expected the soft cap to block a routine retry once reached")
	}
	if !CanRetry(s, true, DefaultMaxAttempts) {
		t.Fatal("expected retryAnyway to override even the soft cap")
	}
	if !CanRetry(s, false, 0) {
		t.Fatal("maxAttempts<=0 must disable the cap entirely")
	}
}

func TestDetectNoProgress(t *testing.T) {
	s := freshSession()
	s.PreviousValidationIssues = []types.IssueKey{{Code: "missing subject.sex", Location: "/general/subject"}}

	same := []types.RawIssue{{Severity: types.SeverityError, Message: "missing subject.sex", Location: "/general/subject"}}
	if !DetectNoProgress(s, same) {
		t.Fatal("expected no-progress: identical issue set, no change flags")
	}

	s.UserProvidedInputThisAttempt = true
	if DetectNoProgress(s, same) {
		t.Fatal("expected progress once user input flag is set")
	}

	s2 := freshSession()
	s2.PreviousValidationIssues = []types.IssueKey{{Code: "missing subject.sex", Location: "/general/subject"}}
	different := []types.RawIssue{{Severity: types.SeverityError, Message: "missing subject.species", Location: "/general/subject"}}
	if DetectNoProgress(s2, different) {
		t.Fatal("expected progress: different issue set")
	}
}

func TestIssueSetDigestIsOrderIndependent(t *testing.T) {
	a := []types.RawIssue{
		{Message: "a", Location: "1"},
		{Message: "b", Location: "2"},
	}
	b := []types.RawIssue{
		{Message: "b", Location: "2"},
		{Message: "a", Location: "1"},
	}
	if IssueSetDigest(a) == "" || IssueSetDigest(b) == "" {
		t.Fatal("expected non-empty digests")
	}
	if IssueSetDigest(a) != IssueSetDigest(b) {
		t.Fatal("expected the same digest for the same issues in a different order")
	}
}

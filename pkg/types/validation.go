package types

// Severity is the severity a Validator reports for a single issue.
type Severity string

const (
	SeverityInfo         Severity = "INFO"
	SeverityBestPractice Severity = "BEST_PRACTICE"
	SeverityWarning      Severity = "WARNING"
	SeverityError        Severity = "ERROR"
	SeverityCritical     Severity = "CRITICAL"
)

// IsBlocking reports whether this severity alone forces ValidationOutcome
// to FAILED.
func (s Severity) IsBlocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// RawIssue is exactly what the external Validator returns, before
// enrichment.
type RawIssue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location string   `json:"location"`
}

// IssuePriority is the LanguageModel-assigned triage bucket.
type IssuePriority string

const (
	PriorityDandiBlocking IssuePriority = "dandi_blocking"
	PriorityBestPractices IssuePriority = "best_practices"
	PriorityNiceToHave    IssuePriority = "nice_to_have"
)

// Issue is a RawIssue enriched by EvaluationAgent's LanguageModel call.
type Issue struct {
	Severity       Severity      `json:"severity"`
	Message        string        `json:"message"`
	Location       string        `json:"location"`
	Priority       IssuePriority `json:"priority"`
	UserFixable    bool          `json:"userFixable"`
	DandiBlocking  bool          `json:"dandiBlocking"`
	SuggestedFix   string        `json:"suggestedFix,omitempty"`
}

// IssueKey is the canonical (code, location) identity used for no-progress
// comparisons. "code" here is the issue message, since the external
// Validator does not expose a separate code field distinct from
// message/location.
type IssueKey struct {
	Code     string `json:"code"`
	Location string `json:"location"`
}

// KeyOf derives the canonical identity of a RawIssue.
func KeyOf(i RawIssue) IssueKey {
	return IssueKey{Code: i.Message, Location: i.Location}
}

// ValidationReport is the full result stored on Session: the raw validator
// output verbatim, plus the enriched/prioritized list, plus severity
// counts.
type ValidationReport struct {
	Outcome       ValidationOutcome `json:"outcome"`
	RawIssues     []RawIssue        `json:"rawIssues"`
	Issues        []Issue           `json:"issues"`
	CountBySeverity map[Severity]int `json:"countBySeverity"`
}

// CountBySeverity tallies a raw issue list by severity.
func CountBySeverity(issues []RawIssue) map[Severity]int {
	counts := make(map[Severity]int, len(issues))
	for _, iss := range issues {
		counts[iss.Severity]++
	}
	return counts
}

// ClassifyOutcome derives the overall validation outcome from a raw issue
// list: an empty list is PASSED, any ERROR or CRITICAL is FAILED, and
// anything else (info/best-practice/warning only) is PASSED_WITH_ISSUES.
func ClassifyOutcome(issues []RawIssue) ValidationOutcome {
	if len(issues) == 0 {
		return OutcomePassed
	}
	for _, iss := range issues {
		if iss.Severity.IsBlocking() {
			return OutcomeFailed
		}
	}
	return OutcomePassedWithIssues
}

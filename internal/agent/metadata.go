package agent

import (
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/dandi-tools/nwbflow/pkg/types"
)

// catalogEntry describes one DANDI-required metadata field independent
// of any particular session. It supplies a requested field's display
// name, description, and field type; the LanguageModel call in
// ConversationAgent.metadataHints is sent only the input path and adds
// why-needed and example text, never descriptions or inferred values.
type catalogEntry struct {
	Name        string
	DisplayName string
	Description string
	FieldType   types.MetadataFieldType
}

var dandiCatalog = []catalogEntry{
	{"experimenter", "Experimenter", "Name of the person who ran the session.", types.FieldTypeString},
	{"institution", "Institution", "Institution where the recording was made.", types.FieldTypeString},
	{"subject_id", "Subject ID", "Identifier for the recorded subject.", types.FieldTypeString},
	{"species", "Species", "Species of the recorded subject.", types.FieldTypeString},
	{"sex", "Sex", "Sex of the recorded subject.", types.FieldTypeEnum},
}

func catalogEntryFor(field string) (catalogEntry, bool) {
	for _, c := range dandiCatalog {
		if c.Name == field {
			return c, true
		}
	}
	return catalogEntry{}, false
}

// autoExtractMetadata derives whatever metadata can be read off the
// input filename and its companion files without invoking the
// Converter. It is deliberately conservative: a SpikeGLX `.meta`
// companion yields nothing here (that file's key=value contents are a
// Converter concern), but the recording's stem is a reasonable
// subject_id guess when the filename follows the common
// `<subject>_<date>_g0_t0.imec0.ap.bin` convention.
func autoExtractMetadata(inputPath string, companions []string) map[string]any {
	extracted := map[string]any{}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	if parts := strings.SplitN(stem, "_", 2); len(parts) == 2 && parts[0] != "" {
		extracted["subject_id"] = parts[0]
	}
	return extracted
}

// missingRequiredFields returns the subset of required that are absent
// from effective, in the order of required.
func missingRequiredFields(effective map[string]any, required []string) []string {
	missing := make([]string, 0, len(required))
	for _, field := range required {
		if _, ok := effective[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// buildMetadataFields turns a missing-field list into the wire shape a
// metadata-request event carries. Display name, description, and field
// type come from the static catalogue entry; why-needed and example text
// come from the LanguageModel's hints when available; an inferred value
// is attached for any field present in autoExtracted.
func buildMetadataFields(missing []string, autoExtracted map[string]any, llmFields map[string]llmMetadataFieldHint) []types.MetadataField {
	fields := make([]types.MetadataField, 0, len(missing))
	for _, name := range missing {
		entry, ok := catalogEntryFor(name)
		field := types.MetadataField{
			Name:        name,
			DisplayName: entry.DisplayName,
			Description: entry.Description,
			FieldType:   entry.FieldType,
			Required:    true,
		}
		if !ok {
			field.DisplayName = name
			field.FieldType = types.FieldTypeString
		}
		if hint, has := llmFields[name]; has {
			if hint.WhyNeeded != "" {
				field.WhyNeeded = hint.WhyNeeded
			}
			if hint.Example != "" {
				field.Example = hint.Example
			}
		}
		if v, has := autoExtracted[name]; has {
			field.InferredValue = v
		}
		fields = append(fields, field)
	}
	return fields
}

// llmMetadataFieldHint is the per-field enrichment the LanguageModel
// contributes to a metadata request; it never decides which fields are
// required.
type llmMetadataFieldHint struct {
	WhyNeeded string `json:"why_needed"`
	Example   string `json:"example"`
}

// matchDeclinedField fuzzy-matches a user-typed field name against the
// DANDI catalogue (e.g. "subjectid" -> "subject_id") so a declined
// field is not silently dropped by a near-miss key.
// Returns the canonical name and true if the best match clears the
// similarity threshold.
func matchDeclinedField(typed string) (string, bool) {
	typed = strings.ToLower(strings.TrimSpace(typed))
	best := ""
	bestSim := 0.0
	for _, c := range dandiCatalog {
		sim := similarity(typed, c.Name)
		if sim > bestSim {
			bestSim = sim
			best = c.Name
		}
	}
	const threshold = 0.6
	return best, bestSim >= threshold
}

func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1.0 - float64(dist)/float64(maxLen)
}

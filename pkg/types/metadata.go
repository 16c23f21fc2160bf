package types

// MetadataFieldType is the wire type a UI uses to render a requested
// metadata field's input control.
type MetadataFieldType string

const (
	FieldTypeString MetadataFieldType = "string"
	FieldTypeDate   MetadataFieldType = "date"
	FieldTypeEnum   MetadataFieldType = "enum"
	FieldTypeNumber MetadataFieldType = "number"
)

// MetadataField describes one piece of metadata ConversationAgent is
// asking the user for.
type MetadataField struct {
	Name           string            `json:"name"`
	DisplayName    string            `json:"displayName"`
	Description    string            `json:"description"`
	WhyNeeded      string            `json:"whyNeeded"`
	Example        string            `json:"example"`
	FieldType      MetadataFieldType `json:"fieldType"`
	InferredValue  any               `json:"inferredValue,omitempty"`
	Required       bool              `json:"required"`
}

// MetadataRequest is the full payload of a metadata-request event.
type MetadataRequest struct {
	Fields           []MetadataField `json:"fields"`
	Suggestions      string          `json:"suggestions,omitempty"`
	DetectedDataType string          `json:"detectedDataType,omitempty"`
}

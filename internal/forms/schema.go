// Package forms loads the role-owned form descriptors from disk and
// resolves them into a typed schema model.
package forms

// FieldType enumerates the supported form field kinds.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldTextarea, FieldSelect:
		return true
	}
	return false
}

// Field is one entry of a form descriptor.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Label       string    `yaml:"label" json:"label"`
	Type        FieldType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required"`
	Options     []string  `yaml:"options" json:"options,omitempty"`
	Placeholder string    `yaml:"placeholder" json:"placeholder,omitempty"`
	Unit        string    `yaml:"unit" json:"unit,omitempty"`
	Tab         string    `yaml:"tab" json:"tab,omitempty"`
	Lookback    bool      `yaml:"lookback" json:"lookback"`
	// ValidityWindow is the staleness window in seconds; nil means the
	// value never goes stale.
	ValidityWindow *int64 `yaml:"validity_window" json:"validity_window,omitempty"`
	UnixTimestamp  bool   `yaml:"unix_timestamp" json:"unix_timestamp"`
	// Inject overrides the entry id used for LDX injection; the field
	// name is the fallback.
	Inject string `yaml:"inject" json:"inject,omitempty"`
}

// InjectID returns the LDX entry id for the field.
func (f Field) InjectID() string {
	if f.Inject != "" {
		return f.Inject
	}
	return f.Name
}

// HasOption reports whether v is one of the field's select options.
func (f Field) HasOption(v string) bool {
	for _, o := range f.Options {
		if o == v {
			return true
		}
	}
	return false
}

// Schema is one form descriptor: a named, ordered field list owned by
// exactly one role.
type Schema struct {
	FormName string  `yaml:"form_name" json:"form_name"`
	Role     string  `yaml:"role" json:"role"`
	Fields   []Field `yaml:"fields" json:"fields"`
}

// Field returns the named field, or nil.
func (s *Schema) Field(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// Tabs returns the ordered distinct non-empty tab values in field order.
func (s *Schema) Tabs() []string {
	seen := map[string]struct{}{}
	var tabs []string
	for _, f := range s.Fields {
		if f.Tab == "" {
			continue
		}
		if _, ok := seen[f.Tab]; ok {
			continue
		}
		seen[f.Tab] = struct{}{}
		tabs = append(tabs, f.Tab)
	}
	return tabs
}

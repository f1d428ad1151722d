package adapter

// FieldType classifies a config field for UI rendering and masking.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldPassword FieldType = "password"
	FieldEnum     FieldType = "enum"
)

// ConfigField describes one config key. Key may use dot notation to
// reach nested values ("inbound.secret").
type ConfigField struct {
	Key      string    `json:"key"`
	Type     FieldType `json:"type"`
	Label    string    `json:"label,omitempty"`
	Required bool      `json:"required,omitempty"`
	Options  []string  `json:"options,omitempty"`
}

// Manifest is adapter-type metadata: identity, instancing rules, and
// the config schema used for masking and catalog display.
type Manifest struct {
	Type          string        `json:"type"`
	DisplayName   string        `json:"displayName"`
	Builtin       bool          `json:"builtin"`
	MultiInstance bool          `json:"multiInstance"`
	ConfigFields  []ConfigField `json:"configFields"`
}

// passwordKeys returns the dot-notation keys of password fields.
func (m Manifest) passwordKeys() []string {
	var keys []string
	for _, f := range m.ConfigFields {
		if f.Type == FieldPassword {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

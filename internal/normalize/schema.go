package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/user/fleetscan/internal/model"
)

// Kind is the expected type of a field value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	// KindScalar accepts a string or a number and stores it as given.
	KindScalar
)

// Field describes one attribute of a component.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	// Mutable fields are refreshed in place on every scan. Other fields are
	// recorded when the component is first seen.
	Mutable bool
}

// Schema describes how one category is extracted and validated.
type Schema struct {
	Category model.Category
	Section  string // "hardware", "disks" or "" for whole-script categories
	Source   string // key within the section
	Fields   []Field
	Key      func(entry map[string]any, hostname string) string
}

// MutableFields returns the names of the schema's mutable fields.
func (s *Schema) MutableFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Mutable {
			out = append(out, f.Name)
		}
	}
	return out
}

// ValidationError reports an entry that does not fit its category schema.
type ValidationError struct {
	Category model.Category
	Key      string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s entry %q: field %s %s", e.Category, e.Key, e.Field, e.Reason)
}

// validate converts entry fields to their declared kinds. Unknown fields are
// dropped.
func (s *Schema) validate(key string, entry map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		raw, present := entry[f.Name]
		if !present || raw == nil {
			if f.Required {
				return nil, &ValidationError{Category: s.Category, Key: key, Field: f.Name, Reason: "is required"}
			}
			continue
		}

		v, err := convert(f.Kind, raw)
		if err != nil {
			return nil, &ValidationError{Category: s.Category, Key: key, Field: f.Name, Reason: err.Error()}
		}
		if f.Required {
			if str, ok := v.(string); ok && str == "" {
				return nil, &ValidationError{Category: s.Category, Key: key, Field: f.Name, Reason: "is empty"}
			}
		}
		out[f.Name] = v
	}
	return out, nil
}

func convert(kind Kind, raw any) (any, error) {
	switch kind {
	case KindString:
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v), nil
		case json.Number:
			return v.String(), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
		return nil, fmt.Errorf("must be a string")
	case KindInt:
		switch v := raw.(type) {
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i, nil
			}
			if f, err := v.Float64(); err == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
		case float64:
			if v == math.Trunc(v) {
				return int64(v), nil
			}
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return i, nil
			}
		}
		return nil, fmt.Errorf("must be an integer")
	case KindFloat:
		switch v := raw.(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, nil
			}
		case float64:
			return v, nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("must be a number")
	case KindScalar:
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v), nil
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i, nil
			}
			if f, err := v.Float64(); err == nil {
				return f, nil
			}
		case float64, int64:
			return v, nil
		}
		return nil, fmt.Errorf("must be a string or number")
	}
	return nil, fmt.Errorf("unknown kind")
}

// scalarString renders a raw value for use in identity keys.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func field(entry map[string]any, name string) string {
	return scalarString(entry[name])
}

func normalizeMAC(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ":"))
}

// Schemas lists every component category schema.
var Schemas = map[model.Category]*Schema{
	model.CategoryIPAddress: {
		Category: model.CategoryIPAddress,
		Section:  "hardware",
		Source:   "ip_addresses",
		Fields: []Field{
			{Name: "address", Kind: KindString, Required: true},
			{Name: "interface", Kind: KindString, Mutable: true},
			{Name: "prefix_length", Kind: KindInt, Mutable: true},
		},
		Key: func(e map[string]any, _ string) string { return strings.ToLower(field(e, "address")) },
	},
	model.CategoryMACAddress: {
		Category: model.CategoryMACAddress,
		Section:  "hardware",
		Source:   "mac_addresses",
		Fields: []Field{
			{Name: "address", Kind: KindString, Required: true},
			{Name: "interface", Kind: KindString, Mutable: true},
		},
		Key: func(e map[string]any, _ string) string { return normalizeMAC(field(e, "address")) },
	},
	model.CategoryProcessor: {
		Category: model.CategoryProcessor,
		Section:  "hardware",
		Source:   "processors",
		Fields: []Field{
			{Name: "device_id", Kind: KindString, Required: true},
			{Name: "name", Kind: KindString, Required: true},
			{Name: "manufacturer", Kind: KindString},
			{Name: "cores", Kind: KindInt, Mutable: true},
			{Name: "logical_processors", Kind: KindInt, Mutable: true},
			{Name: "max_clock_mhz", Kind: KindInt, Mutable: true},
		},
		Key: func(e map[string]any, _ string) string { return field(e, "device_id") },
	},
	model.CategoryVideoCard: {
		Category: model.CategoryVideoCard,
		Section:  "hardware",
		Source:   "video_cards",
		Fields: []Field{
			{Name: "name", Kind: KindString, Required: true},
			{Name: "device_id", Kind: KindString},
			{Name: "driver_version", Kind: KindString, Mutable: true},
			{Name: "adapter_ram", Kind: KindInt, Mutable: true},
		},
		Key: func(e map[string]any, _ string) string {
			if id := field(e, "device_id"); id != "" {
				return id
			}
			return field(e, "name")
		},
	},
	model.CategoryPhysicalDisk: {
		Category: model.CategoryPhysicalDisk,
		Section:  "disks",
		Source:   "physical_disks",
		Fields: []Field{
			{Name: "serial_number", Kind: KindString},
			{Name: "model", Kind: KindString, Required: true},
			{Name: "size", Kind: KindScalar},
			{Name: "media_type", Kind: KindString, Mutable: true},
			{Name: "health_status", Kind: KindString, Mutable: true},
		},
		Key: func(e map[string]any, hostname string) string {
			if serial := field(e, "serial_number"); serial != "" {
				return serial
			}
			if field(e, "model") == "" {
				return ""
			}
			return SyntheticSerial(field(e, "model"), field(e, "size"), hostname)
		},
	},
	model.CategoryLogicalDisk: {
		Category: model.CategoryLogicalDisk,
		Section:  "disks",
		Source:   "logical_disks",
		Fields: []Field{
			{Name: "device_id", Kind: KindString, Required: true},
			{Name: "volume_name", Kind: KindString, Mutable: true},
			{Name: "file_system", Kind: KindString, Mutable: true},
			{Name: "size", Kind: KindInt, Mutable: true},
			{Name: "free_space", Kind: KindInt, Mutable: true},
		},
		Key: func(e map[string]any, _ string) string { return strings.ToUpper(field(e, "device_id")) },
	},
	model.CategorySoftware: {
		Category: model.CategorySoftware,
		Fields: []Field{
			{Name: "name", Kind: KindString, Required: true},
			{Name: "version", Kind: KindString},
			{Name: "publisher", Kind: KindString},
			{Name: "install_date", Kind: KindString, Mutable: true},
		},
		Key: func(e map[string]any, _ string) string {
			if field(e, "name") == "" {
				return ""
			}
			return model.SoftwareKey(field(e, "name"), field(e, "version"))
		},
	},
	model.CategoryServerRole: {
		Category: model.CategoryServerRole,
		Fields: []Field{
			{Name: "name", Kind: KindString, Required: true},
			{Name: "display_name", Kind: KindString, Mutable: true},
		},
		Key: func(e map[string]any, _ string) string { return strings.ToLower(field(e, "name")) },
	},
}

// Package normalize converts raw script output into validated component items
// per category.
package normalize

import (
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/user/fleetscan/internal/collector"
	"github.com/user/fleetscan/internal/model"
)

// SyntheticSerial derives a stable identity for a physical disk that reports
// no serial number.
func SyntheticSerial(diskModel, size, hostname string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(diskModel) + "|" + strings.TrimSpace(size) + "|" + model.HostKey(hostname)))
	return "SYN-" + strings.ToUpper(hex.EncodeToString(sum[:8]))
}

// CategorySet is the normalized observation of one category.
type CategorySet struct {
	Items []model.Item
	// Partial marks an incremental observation: keys absent from Items are
	// left alone and only Removed keys are soft-deleted.
	Partial bool
	Removed []string
}

// Snapshot is a normalized host scan. Categories whose script did not run
// or failed are absent so they are not mistaken for an empty inventory.
type Snapshot struct {
	Hostname   string
	Facts      *model.HostFacts
	Categories map[model.Category]*CategorySet
	Rejected   int
}

// Normalizer validates raw snapshots.
type Normalizer struct {
	logger zerolog.Logger
}

// New creates a normalizer.
func New(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts a raw snapshot.
func (n *Normalizer) Normalize(raw *collector.RawSnapshot) *Snapshot {
	snap := &Snapshot{
		Hostname:   raw.Hostname,
		Categories: make(map[model.Category]*CategorySet),
	}

	if raw.Hardware != nil {
		snap.Facts = facts(raw.Hardware)
	}

	for _, category := range model.Categories {
		schema := Schemas[category]
		var section map[string]any
		switch schema.Section {
		case "hardware":
			section = raw.Hardware
		case "disks":
			section = raw.Disks
		default:
			continue
		}
		if section == nil {
			continue
		}
		value, present := section[schema.Source]
		if !present {
			continue
		}
		items, rejected := n.Items(schema, value, raw.Hostname)
		snap.Rejected += rejected
		snap.Categories[category] = &CategorySet{Items: items}
	}

	if raw.HasSoftware {
		set, rejected := n.software(raw)
		snap.Rejected += rejected
		snap.Categories[model.CategorySoftware] = set
	}

	if raw.HasRoles {
		items, rejected := n.Items(Schemas[model.CategoryServerRole], raw.Roles, raw.Hostname)
		snap.Rejected += rejected
		snap.Categories[model.CategoryServerRole] = &CategorySet{Items: items}
	}

	return snap
}

func (n *Normalizer) software(raw *collector.RawSnapshot) (*CategorySet, int) {
	schema := Schemas[model.CategorySoftware]

	if raw.Mode != model.ScanIncremental {
		items, rejected := n.Items(schema, raw.Software, raw.Hostname)
		return &CategorySet{Items: items}, rejected
	}

	set := &CategorySet{Partial: true}
	var rejected int
	switch v := raw.Software.(type) {
	case nil:
	case map[string]any:
		if _, ok := v["installed"]; !ok {
			if _, ok := v["removed"]; !ok {
				// A single installed entry.
				set.Items, rejected = n.Items(schema, v, raw.Hostname)
				return set, rejected
			}
		}
		set.Items, rejected = n.Items(schema, v["installed"], raw.Hostname)
		seen := make(map[string]bool)
		for _, entry := range objects(v["removed"]) {
			key := schema.Key(entry, raw.Hostname)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			set.Removed = append(set.Removed, key)
		}
	default:
		set.Items, rejected = n.Items(schema, v, raw.Hostname)
	}
	return set, rejected
}

// Items promotes a single object to a list, drops non-object entries and
// entries without a key, keeps the first of duplicate keys, and validates
// the rest. It returns the valid items and the number of rejected entries.
func (n *Normalizer) Items(schema *Schema, value any, hostname string) ([]model.Item, int) {
	entries := objects(value)
	items := make([]model.Item, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	rejected := 0

	for _, entry := range entries {
		key := schema.Key(entry, hostname)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		attrs, err := schema.validate(key, entry)
		if err != nil {
			rejected++
			n.logger.Warn().Err(err).Str("host", hostname).Msg("Dropping invalid entry")
			continue
		}

		item := model.Item{Key: key, Attributes: attrs}
		switch schema.Category {
		case model.CategoryPhysicalDisk:
			if s, _ := attrs["serial_number"].(string); s == "" {
				attrs["serial_number"] = key
				attrs["synthetic_serial"] = true
			}
		case model.CategoryLogicalDisk:
			item.ParentKey = field(entry, "parent_serial")
		}
		items = append(items, item)
	}

	return items, rejected
}

// objects returns the object entries of a raw value. A single object is
// promoted to a one-element list and non-object entries are dropped.
func objects(value any) []map[string]any {
	switch v := value.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if obj, ok := e.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	}
	return nil
}

func facts(hw map[string]any) *model.HostFacts {
	f := &model.HostFacts{
		OSName:       field(hw, "os_name"),
		OSVersion:    field(hw, "os_version"),
		Manufacturer: field(hw, "manufacturer"),
		Model:        field(hw, "model"),
		SerialNumber: field(hw, "serial_number"),
	}
	if v, err := convert(KindInt, hw["ram_bytes"]); err == nil {
		f.RAMBytes = v.(int64)
	}
	return f
}

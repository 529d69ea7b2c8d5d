package normalize

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/fleetscan/internal/collector"
	"github.com/user/fleetscan/internal/model"
)

func TestSyntheticSerialDeterministic(t *testing.T) {
	first := SyntheticSerial("X", "1TB", "h1")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, SyntheticSerial("X", "1TB", "h1"))
	}
	assert.Equal(t, first, SyntheticSerial(" X ", "1TB", "H1"))
	assert.NotEqual(t, first, SyntheticSerial("X", "1TB", "h2"))
	assert.NotEqual(t, first, SyntheticSerial("X", "2TB", "h1"))
	assert.Regexp(t, `^SYN-[0-9A-F]{16}$`, first)
}

func TestItemsPromotesDedupesAndValidates(t *testing.T) {
	n := New(zerolog.Nop())
	schema := Schemas[model.CategoryMACAddress]

	items, rejected := n.Items(schema, map[string]any{"address": "aa-bb-cc-dd-ee-ff"}, "h1")
	require.Len(t, items, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", items[0].Key)
	assert.Equal(t, 0, rejected)

	raw := []any{
		map[string]any{"address": "AA:BB:CC:DD:EE:01", "interface": "Ethernet"},
		"not an object",
		map[string]any{"address": ""},
		map[string]any{"interface": "no address"},
		map[string]any{"address": "aa:bb:cc:dd:ee:01", "interface": "duplicate"},
		map[string]any{"address": "AA:BB:CC:DD:EE:02", "interface": json.Number("7")},
	}
	items, rejected = n.Items(schema, raw, "h1")
	require.Len(t, items, 2)
	assert.Equal(t, "Ethernet", items[0].Attributes["interface"])
	assert.Equal(t, "7", items[1].Attributes["interface"])
	assert.Equal(t, 0, rejected)
}

func TestItemsRejectsInvalidFields(t *testing.T) {
	n := New(zerolog.Nop())
	schema := Schemas[model.CategoryLogicalDisk]

	items, rejected := n.Items(schema, []any{
		map[string]any{"device_id": "C:", "free_space": json.Number("1024"), "size": "2048", "parent_serial": "S1"},
		map[string]any{"device_id": "D:", "free_space": "lots"},
	}, "h1")

	require.Len(t, items, 1)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, "C:", items[0].Key)
	assert.Equal(t, "S1", items[0].ParentKey)
	assert.Equal(t, int64(1024), items[0].Attributes["free_space"])
	assert.Equal(t, int64(2048), items[0].Attributes["size"])
	_, stored := items[0].Attributes["parent_serial"]
	assert.False(t, stored, "parent serial is transient")
}

func TestItemsPhysicalDiskWithoutSerial(t *testing.T) {
	n := New(zerolog.Nop())
	schema := Schemas[model.CategoryPhysicalDisk]

	entry := map[string]any{"model": "X", "size": "1TB"}
	items, _ := n.Items(schema, entry, "h1")
	require.Len(t, items, 1)
	assert.Equal(t, SyntheticSerial("X", "1TB", "h1"), items[0].Key)
	assert.Equal(t, items[0].Key, items[0].Attributes["serial_number"])
	assert.Equal(t, true, items[0].Attributes["synthetic_serial"])

	again, _ := n.Items(schema, map[string]any{"model": "X", "size": "1TB"}, "h1")
	assert.Equal(t, items[0].Key, again[0].Key)

	none, _ := n.Items(schema, map[string]any{"size": "1TB"}, "h1")
	assert.Empty(t, none)
}

func TestNormalizeSkipsAbsentCategories(t *testing.T) {
	n := New(zerolog.Nop())
	raw := &collector.RawSnapshot{
		Hostname: "h1",
		Mode:     model.ScanFull,
		Hardware: map[string]any{
			"os_name":       "Windows Server 2019",
			"ram_bytes":     json.Number("17179869184"),
			"mac_addresses": nil,
			"ip_addresses":  []any{map[string]any{"address": "10.0.0.1"}},
		},
	}

	snap := n.Normalize(raw)

	require.NotNil(t, snap.Facts)
	assert.Equal(t, int64(17179869184), snap.Facts.RAMBytes)
	assert.Contains(t, snap.Categories, model.CategoryIPAddress)
	require.Contains(t, snap.Categories, model.CategoryMACAddress)
	assert.Empty(t, snap.Categories[model.CategoryMACAddress].Items, "null means none present")
	assert.NotContains(t, snap.Categories, model.CategoryProcessor)
	assert.NotContains(t, snap.Categories, model.CategoryPhysicalDisk)
	assert.NotContains(t, snap.Categories, model.CategorySoftware)
	assert.NotContains(t, snap.Categories, model.CategoryServerRole)
}

func TestNormalizeIncrementalSoftware(t *testing.T) {
	n := New(zerolog.Nop())

	empty := n.Normalize(&collector.RawSnapshot{Hostname: "h1", Mode: model.ScanIncremental, HasSoftware: true})
	set := empty.Categories[model.CategorySoftware]
	require.NotNil(t, set)
	assert.True(t, set.Partial)
	assert.Empty(t, set.Items)
	assert.Empty(t, set.Removed)

	changes := n.Normalize(&collector.RawSnapshot{
		Hostname:    "h1",
		Mode:        model.ScanIncremental,
		HasSoftware: true,
		Software: map[string]any{
			"installed": map[string]any{"name": "Git", "version": "2.45.0", "publisher": "The Git Development Community"},
			"removed":   []any{map[string]any{"name": "Git", "version": "2.44.0"}, map[string]any{"name": "Git", "version": "2.44.0"}},
		},
	})
	set = changes.Categories[model.CategorySoftware]
	require.Len(t, set.Items, 1)
	assert.Equal(t, "git|2.45.0", set.Items[0].Key)
	assert.Equal(t, []string{"git|2.44.0"}, set.Removed)
}

func TestNormalizeFullSoftwareAndRoles(t *testing.T) {
	n := New(zerolog.Nop())
	snap := n.Normalize(&collector.RawSnapshot{
		Hostname:    "srv01",
		Mode:        model.ScanFull,
		HasSoftware: true,
		Software: []any{
			map[string]any{"name": "7-Zip", "version": "23.01"},
			map[string]any{"name": "7-zip", "version": "23.01"},
		},
		HasRoles: true,
		Roles:    map[string]any{"name": "DNS", "display_name": "DNS Server"},
	})

	sw := snap.Categories[model.CategorySoftware]
	require.NotNil(t, sw)
	assert.False(t, sw.Partial)
	assert.Len(t, sw.Items, 1, "case-only duplicates collapse")

	roles := snap.Categories[model.CategoryServerRole]
	require.Len(t, roles.Items, 1)
	assert.Equal(t, "dns", roles.Items[0].Key)
}

func TestMutableFields(t *testing.T) {
	assert.Equal(t, []string{"media_type", "health_status"}, Schemas[model.CategoryPhysicalDisk].MutableFields())
	assert.Equal(t, []string{"install_date"}, Schemas[model.CategorySoftware].MutableFields())
}

func TestNormalizeCountsRejectedSoftware(t *testing.T) {
	n := New(zerolog.Nop())
	bad := map[string]any{"name": "Broken", "version": "1.0", "publisher": []any{"a", "b"}}
	good := map[string]any{"name": "Git", "version": "2.45.0"}

	full := n.Normalize(&collector.RawSnapshot{
		Hostname:    "h1",
		Mode:        model.ScanFull,
		HasSoftware: true,
		Software:    []any{good, bad},
	})
	assert.Equal(t, 1, full.Rejected)
	assert.Len(t, full.Categories[model.CategorySoftware].Items, 1)

	incremental := n.Normalize(&collector.RawSnapshot{
		Hostname:    "h1",
		Mode:        model.ScanIncremental,
		HasSoftware: true,
		Software:    map[string]any{"installed": []any{good, bad}},
	})
	assert.Equal(t, 1, incremental.Rejected)
	assert.Len(t, incremental.Categories[model.CategorySoftware].Items, 1)
}

package collector

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderText(t *testing.T) {
	dec, err := NewDecoder("windows-1252")
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"utf8", []byte("Société"), "Société"},
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("{}")...), "{}"},
		{"cp1252 fallback", []byte{'S', 'o', 'c', 'i', 0xE9, 't', 0xE9}, "Société"},
		{"utf16le bom", []byte{0xFF, 0xFE, '[', 0, ']', 0}, "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dec.Text(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoderWithoutFallback(t *testing.T) {
	dec, err := NewDecoder("")
	require.NoError(t, err)

	_, err = dec.Parse("hardware", []byte{0xE9, 0xFF})
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestNewDecoderUnknownEncoding(t *testing.T) {
	_, err := NewDecoder("klingon-1")
	assert.Error(t, err)
}

func TestDecoderParse(t *testing.T) {
	dec, err := NewDecoder("windows-1252")
	require.NoError(t, err)

	v, err := dec.Parse("software_incremental", []byte("  \r\n"))
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = dec.Parse("disks", []byte(`{"size": 1099511627776}`))
	require.NoError(t, err)
	obj := v.(map[string]any)
	assert.Equal(t, json.Number("1099511627776"), obj["size"])

	v, err = dec.Parse("roles", []byte(`[{"name":"DNS"}]`))
	require.NoError(t, err)
	assert.Len(t, v, 1)

	for _, bad := range []string{`"just a string"`, `42`, `{"a":`, `{} {}`, `WARNING: something`,
		`{"os_name":"x"}]`, `[{"name":"DNS"}]}`, `{"a":1} trailing`} {
		_, err := dec.Parse("hardware", []byte(bad))
		var pe *ParseError
		assert.ErrorAs(t, err, &pe, bad)
	}
}

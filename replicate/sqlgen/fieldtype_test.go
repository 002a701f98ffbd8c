package sqlgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFieldType(t *testing.T) {
	var ft = ParseFieldType("string|required|maxlength:50")
	require.Equal(t, "string", ft.Base)
	require.True(t, ft.Required)
	require.Equal(t, 50, ft.MaxLength)

	ft = ParseFieldType("number|min:0|max:100")
	require.Equal(t, "number", ft.Base)
	require.True(t, ft.HasMin)
	require.True(t, ft.HasMax)
	require.Equal(t, 0.0, ft.Min)
	require.Equal(t, 100.0, ft.Max)
	require.False(t, ft.Required)

	ft = ParseFieldType("boolean")
	require.Equal(t, "boolean", ft.Base)
	require.Empty(t, ft.Options)
}

func TestParseFieldTypePreservesUnknownTokens(t *testing.T) {
	var ft = ParseFieldType("string|unique|index:btree")
	require.Equal(t, []string{"unique", "index:btree"}, ft.Options)
}

func TestParseFieldTypeIgnoresMalformedValues(t *testing.T) {
	var ft = ParseFieldType("string|maxlength:abc|length:-3")
	require.Zero(t, ft.MaxLength)
	require.Zero(t, ft.Length)
}

func TestFieldTypeFormatRoundTrip(t *testing.T) {
	for _, notation := range []string{
		"string",
		"string|required",
		"string|required|maxlength:50",
		"number|min:0|max:100",
		"number|min:0.5|max:99.9",
		"string|unique|index:btree",
	} {
		require.Equal(t, notation, ParseFieldType(notation).Format(), "notation %q", notation)
	}
}

func TestIsBoundedInt(t *testing.T) {
	require.True(t, ParseFieldType("number|min:0|max:100").IsBoundedInt())
	require.True(t, ParseFieldType("number|min:0|max:2147483647").IsBoundedInt())

	// Missing bounds, negative lower bound, fractional bounds, or an
	// out-of-range upper bound all map to a float column.
	require.False(t, ParseFieldType("number").IsBoundedInt())
	require.False(t, ParseFieldType("number|min:0").IsBoundedInt())
	require.False(t, ParseFieldType("number|min:-1|max:100").IsBoundedInt())
	require.False(t, ParseFieldType("number|min:0.5|max:100").IsBoundedInt())
	require.False(t, ParseFieldType("number|min:0|max:2147483648").IsBoundedInt())
	require.False(t, ParseFieldType("string|min:0|max:100").IsBoundedInt())
}

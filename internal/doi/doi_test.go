package doi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAcceptedForms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", "10.1000/xyz123", "10.1000/xyz123"},
		{"uppercase", "10.1000/XYZ123", "10.1000/xyz123"},
		{"https resolver", "https://doi.org/10.1000/xyz123", "10.1000/xyz123"},
		{"http resolver", "http://doi.org/10.1000/xyz123", "10.1000/xyz123"},
		{"dx resolver", "https://dx.doi.org/10.1000/xyz123", "10.1000/xyz123"},
		{"doi label", "doi:10.1000/xyz123", "10.1000/xyz123"},
		{"doi label spaced", "DOI: 10.1000/xyz123", "10.1000/xyz123"},
		{"surrounding space", "  10.1000/xyz123  ", "10.1000/xyz123"},
		{"trailing period", "10.1000/xyz123.", "10.1000/xyz123"},
		{"trailing paren", "10.1000/xyz123)", "10.1000/xyz123"},
		{"long registrant", "10.123456789/abc", "10.123456789/abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Normalize(tc.in)
			require.True(t, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"   ",
		"not a doi",
		"10./missing-registrant",
		"10.123/",
		"11.1000/xyz",
		"10.123/abc", // registrant too short
		"https://example.com/article",
	} {
		_, ok := Normalize(in)
		require.False(t, ok, "input %q", in)
	}
}

// Normalizing an already-normalized DOI must be the identity.
func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"https://doi.org/10.1000/XYZ.123,",
		"doi:10.12345/a(b)c.",
		"10.1000/plain",
	} {
		first, ok := Normalize(in)
		require.True(t, ok, "input %q", in)
		second, ok := Normalize(first)
		require.True(t, ok)
		require.Equal(t, first, second)
	}
}

func TestFind(t *testing.T) {
	t.Parallel()

	found, ok := Find(`Smith, J. "A Study." Journal 12 (2020). doi:10.1000/XYZ123.`)
	require.True(t, ok)
	require.Equal(t, "10.1000/xyz123", found)

	found, ok = Find("see https://doi.org/10.5555/12345678 and later text")
	require.True(t, ok)
	require.Equal(t, "10.5555/12345678", found)

	_, ok = Find("no identifier in this citation at all")
	require.False(t, ok)
}

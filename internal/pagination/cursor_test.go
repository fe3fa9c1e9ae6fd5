package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	s := Cursor{CreatedAt: at, ID: "rl_abc"}.Encode()

	c, err := Decode(s)
	require.NoError(t, err)
	assert.True(t, at.Equal(c.CreatedAt))
	assert.Equal(t, "rl_abc", c.ID)
	assert.NotContains(t, s, "=", "cursors are unpadded for query strings")
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"t":"2026-03-01T00:00:00Z"}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"id":"rl_1"}`)),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

type item struct {
	id string
	at time.Time
}

func TestPaginate(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{"c", base.Add(2 * time.Second)}, {"b", base.Add(time.Second)}, {"a", base}}
	key := func(i item) Cursor { return Cursor{CreatedAt: i.at, ID: i.id} }

	p := Paginate(items, 2, key)
	require.Len(t, p.Items, 2)
	assert.True(t, p.HasMore)
	next, err := Decode(p.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	p = Paginate(items, 3, key)
	assert.Len(t, p.Items, 3)
	assert.False(t, p.HasMore)
	assert.Empty(t, p.NextCursor)
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 50},
		{"10", 10},
		{" 7 ", 7},
		{"0", 50},
		{"-3", 50},
		{"abc", 50},
		{"1000", 200},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLimit(tt.in, 50, 200), tt.in)
	}
}

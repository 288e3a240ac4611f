package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)

	c, err := Decode(Encode(ts, "buy_0123abcd"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "buy_0123abcd", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"%%%", "bm9waXBl", "YWJjfA"} { // garbage, "nopipe", "abc|"
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "m"}

	assert.True(t, c.After(ts.Add(-time.Second), "z"))
	assert.False(t, c.After(ts.Add(time.Second), "a"))
	assert.True(t, c.After(ts, "a"))
	assert.False(t, c.After(ts, "m"))

	var none *Cursor
	assert.True(t, none.After(ts, "anything"))
}

func TestPage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return ts, s }

	rows, next := Page([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, rows, 3)
	assert.Empty(t, next)

	rows, next = Page([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, rows)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Limit(""))
	assert.Equal(t, DefaultLimit, Limit("abc"))
	assert.Equal(t, DefaultLimit, Limit("-3"))
	assert.Equal(t, 10, Limit("10"))
	assert.Equal(t, MaxLimit, Limit("5000"))
}

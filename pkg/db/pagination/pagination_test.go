package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ id int }

func TestNormalize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Normalize().Limit)
	require.Equal(t, MaxLimit, Pagination{Limit: 1000}.Normalize().Limit)
	require.Equal(t, 7, Pagination{Limit: 7}.Normalize().Limit)
}

func TestCursorRoundTrip(t *testing.T) {
	enc, err := EncodeCursor(Cursor{CreatedAt: "2026-10-17T10:00:00Z", ID: "42"})
	require.NoError(t, err)

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	require.Equal(t, "42", dec.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestPage(t *testing.T) {
	rows := []*row{{1}, {2}, {3}}
	extract := func(r *row) Cursor { return Cursor{ID: strconv.Itoa(r.id)} }

	kept, info, err := Page(rows, 2, extract)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	require.True(t, info.HasMore)

	c, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", c.ID)

	kept, info, err = Page(rows, 3, extract)
	require.NoError(t, err)
	require.Len(t, kept, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}

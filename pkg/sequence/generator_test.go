package sequence

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	require.Equal(t, "DBT-261017-001AB", formatCode(PrefixDebit, "261017", 1, "AB"))
	require.Equal(t, "CRD-261017-00ZXY", formatCode(PrefixCredit, "261017", 35, "XY"))
	require.Equal(t, "DBT-261017-100QQ", formatCode(PrefixDebit, "261017", 1296, "QQ"))
}

func TestNewWithoutRedisFallsBack(t *testing.T) {
	gen := New(Params{})
	require.IsType(t, RandomGenerator{}, gen)

	code, err := gen.Next(context.Background(), PrefixCredit)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(code, "CRD-"))
	require.Len(t, code, len("CRD-261017-ABCDEF"))
}

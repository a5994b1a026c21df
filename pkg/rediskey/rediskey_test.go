package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "credits:balance:u-1", BuildBalanceKey("u-1"))
	require.Equal(t, "credits:notifications:u-1", BuildNotificationChannel("u-1"))
	require.Equal(t, "seq:TXN:261017", BuildSequenceKey("TXN", "261017"))
}

package rediskey

import "fmt"

// Credit keys (shared by the ledger and anything reading balance snapshots)
const (
	BalancePrefix      = "credits:balance"
	NotificationPrefix = "credits:notifications"
	SequencePrefix     = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildBalanceKey returns "credits:balance:{userID}"
func BuildBalanceKey(userID string) string {
	return NamespaceKey(BalancePrefix, userID)
}

// BuildNotificationChannel returns "credits:notifications:{userID}"
func BuildNotificationChannel(userID string) string {
	return NamespaceKey(NotificationPrefix, userID)
}

// BuildSequenceKey returns "seq:{prefix}:{day}"
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}

package rediskey

import "fmt"

const (
	SequencePrefix = "seq"
	ReferralPrefix = "referral"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "seq:{name}"
func BuildSequenceKey(name string) string {
	return NamespaceKey(SequencePrefix, name)
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}

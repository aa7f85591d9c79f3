package coordination

import "strings"

// Root is the prefix of every path this service writes.
const Root = "/nakadi"

// SubscriptionPath is /nakadi/subscriptions/{sid}. It doubles as the key of the
// subscription-scoped lock.
func SubscriptionPath(subscriptionID string) string {
	return Root + "/subscriptions/" + subscriptionID
}

// TopicPath is /nakadi/subscriptions/{sid}/topics/{stream}. Its existence
// marks a subscription as bootstrapped and its children are the partitions.
func TopicPath(subscriptionID, stream string) string {
	return SubscriptionPath(subscriptionID) + "/topics/" + stream
}

// OffsetPath is /nakadi/subscriptions/{sid}/topics/{stream}/{partition}/offset.
// It doubles as the key of the per-partition commit lock.
func OffsetPath(subscriptionID, stream, partition string) string {
	return TopicPath(subscriptionID, stream) + "/" + partition + "/offset"
}

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\x00")
}

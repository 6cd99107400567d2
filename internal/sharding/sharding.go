package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of event partitions. Every event for a
// given user lands on the same shard, so per-user ordering holds as long
// as a shard is consumed sequentially.
const ShardCount = 1024

// GetShardID calculates the deterministic shard for a user ID.
func GetShardID(userID string) int {
	checksum := crc32.ChecksumIEEE([]byte(userID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject for a user's domain events.
// Format: task.event.{shard_id}.user.{user_id}
func EventSubject(userID string) string {
	return fmt.Sprintf("task.event.%d.user.%s", GetShardID(userID), userID)
}

// UserEventSubject returns the wildcard subject matching every event for
// one user, regardless of shard.
func UserEventSubject(userID string) string {
	return "task.event.*.user." + userID
}

// DeadLetterSubject returns the subject poison events are parked on for
// a given consumer.
func DeadLetterSubject(consumerName string) string {
	return "task.dlq." + consumerName
}

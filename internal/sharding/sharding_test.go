package sharding

import (
	"fmt"
	"testing"
)

func TestGetShardID(t *testing.T) {
	tests := []struct {
		userID string
		want   int
	}{
		{"user-1", 532}, // crc32.ChecksumIEEE % 1024
		{"user-2", 942},
	}

	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			if got := GetShardID(tt.userID); got != tt.want {
				t.Errorf("GetShardID(%q) = %v, want %v", tt.userID, got, tt.want)
			}
		})
	}
}

func TestEventSubject(t *testing.T) {
	subject := EventSubject("user-1")
	expected := "task.event.532.user.user-1"
	if subject != expected {
		t.Errorf("EventSubject = %v, want %v", subject, expected)
	}
}

func TestStableSharding(t *testing.T) {
	id := "test-stable-id"
	if GetShardID(id) != GetShardID(id) {
		t.Error("sharding is not deterministic")
	}
}

func TestDistribution(t *testing.T) {
	// Rough check to ensure we don't map everything to shard 0
	distribution := make(map[int]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user-%d", i)
		distribution[GetShardID(key)]++
	}

	if len(distribution) < 100 {
		t.Errorf("sharding distribution is too poor: %d unique shards for 1000 keys", len(distribution))
	}
}

func TestDeadLetterSubject(t *testing.T) {
	if got := DeadLetterSubject("ws-gateway"); got != "task.dlq.ws-gateway" {
		t.Errorf("unexpected dead-letter subject: %q", got)
	}
}

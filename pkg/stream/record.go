package stream

import (
	"hash/fnv"
	"time"
)

// Record is a keyed, immutable entry appended to a stream. The key selects
// the partition, so all records sharing a key are totally ordered relative
// to each other.
type Record struct {
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	Watermark time.Time `json:"watermark"`
}

// NewRecord creates a record stamped with the current time.
func NewRecord(key string, data []byte) Record {
	return Record{
		Key:       key,
		Data:      data,
		Watermark: time.Now(),
	}
}

// Partition maps a record key onto one of n partitions using FNV-1a.
// Deterministic across processes and restarts.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

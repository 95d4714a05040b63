package pipeline

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/ahalverson/docmill/internal/cache"
	"github.com/ahalverson/docmill/internal/config"
)

// Per-chunk duration model: linear in chunk size plus fixed overhead.
const (
	perPageEstimate    = 2 * time.Second
	perChunkOverhead   = 5 * time.Second
	memoryPressurePct  = 80
	memoryConsciousTag = "memory_conscious"
)

// Chunk is a contiguous page range processed as one unit.
type Chunk struct {
	Start             int           `json:"start"`
	End               int           `json:"end"` // inclusive
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// ProcessingPlan describes how a document should be processed.
type ProcessingPlan struct {
	PageCount         int     `json:"page_count"`
	Chunked           bool    `json:"chunked"`
	ChunkSize         int     `json:"chunk_size"`
	Chunks            []Chunk `json:"chunks,omitempty"`
	EstimatedMemoryMB int     `json:"estimated_memory_mb"`
	MemoryConscious   bool    `json:"memory_conscious"`
	ResourceStrategy  string  `json:"resource_strategy"`
	Checkpointed      bool    `json:"checkpointed"`
}

// BuildPlan computes the chunking plan, memory estimate and checkpoint
// schedule for a document of pageCount pages.
func BuildPlan(pageCount int, cfg config.PlannerCfg) ProcessingPlan {
	plan := ProcessingPlan{
		PageCount:        pageCount,
		ChunkSize:        cfg.ChunkSize,
		ResourceStrategy: "standard",
	}

	plan.EstimatedMemoryMB = pageCount * cfg.PageMemoryMB
	if cfg.MemoryLimitMB > 0 && plan.EstimatedMemoryMB*100 > cfg.MemoryLimitMB*memoryPressurePct {
		plan.MemoryConscious = true
		plan.ResourceStrategy = memoryConsciousTag
	}

	plan.Chunked = cfg.ChunkThreshold > 0 && pageCount > cfg.ChunkThreshold
	plan.Checkpointed = cfg.CheckpointThreshold > 0 && pageCount > cfg.CheckpointThreshold

	if plan.Chunked {
		size := cfg.ChunkSize
		if size <= 0 {
			size = 25
		}
		plan.ChunkSize = size
		for start := 1; start <= pageCount; start += size {
			end := start + size - 1
			if end > pageCount {
				end = pageCount
			}
			plan.Chunks = append(plan.Chunks, Chunk{
				Start:             start,
				End:               end,
				EstimatedDuration: time.Duration(end-start+1)*perPageEstimate + perChunkOverhead,
			})
		}
	}

	return plan
}

// Checkpoint is a TTL-bound resumable snapshot of in-progress fan-out for
// large documents. Written per chunk, read once at task start, deleted on
// successful document completion.
type Checkpoint struct {
	DocumentID    string    `json:"document_id"`
	CurrentPage   int       `json:"current_page"`
	State         string    `json:"processing_state"`
	MemoryUsageMB int       `json:"memory_usage_mb"`
	Timestamp     time.Time `json:"timestamp"`
}

func checkpointKey(documentID string) string {
	return "checkpoint:" + documentID
}

// SaveCheckpoint writes a checkpoint snapshot with the given TTL.
func SaveCheckpoint(c cache.Cache, cp Checkpoint, ttl time.Duration) error {
	cp.Timestamp = time.Now().UTC()
	cp.MemoryUsageMB = currentMemoryMB()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	c.Put(checkpointKey(cp.DocumentID), data, ttl)
	return nil
}

// LoadCheckpoint reads the checkpoint for a document, if one exists.
func LoadCheckpoint(c cache.Cache, documentID string) (*Checkpoint, bool) {
	data, ok := c.Get(checkpointKey(documentID))
	if !ok {
		return nil, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false
	}
	return &cp, true
}

// ClearCheckpoint removes the checkpoint for a document.
func ClearCheckpoint(c cache.Cache, documentID string) {
	c.Forget(checkpointKey(documentID))
}

func currentMemoryMB() int {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int(m.HeapAlloc / (1 << 20))
}

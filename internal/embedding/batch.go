package embedding

const (
	cpuBatchSize = 8
	minBatchSize = 32
	maxBatchSize = 256
	gib          = 1 << 30
)

// BatchSize returns configured when positive; otherwise it picks a size for the backend.
// CPU backends use a small fixed batch. Accelerator and remote backends scale from 32 to 256
// with available system memory.
func BatchSize(e Embedder, configured int) int {
	if configured > 0 {
		return configured
	}
	if e.Kind() == KindCPU {
		return cpuBatchSize
	}
	return batchForMemory(availableMemory())
}

func batchForMemory(avail uint64) int {
	switch {
	case avail == 0, avail < 4*gib:
		return minBatchSize
	case avail < 8*gib:
		return 64
	case avail < 16*gib:
		return 128
	default:
		return maxBatchSize
	}
}

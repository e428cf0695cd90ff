package tracker

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// processRSSBytes reads the current process's resident set size,
// backing the optional memory_bytes field of Summary. Grounded in the
// teacher stack's gopsutil/v3 dependency (used there for CPU sampling
// in nova_abordagem/metrics.go), extended here to the process subpackage
// for RSS since the teacher never reads its own process's memory.
func processRSSBytes() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

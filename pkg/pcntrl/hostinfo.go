package pcntrl

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/iclaustron/gridctl/pkg/griderrs"
)

// CPUInfo is the summary line of a "get cpu info" reply (§4.6.5).
type CPUInfo struct {
	NumCPUs      int
	NumNUMANodes int
	CPUsPerCore  int
}

// CPUDetail is one per-cpu line following the CPUInfo summary.
type CPUDetail struct {
	CPUID      int
	NUMANodeID int
	CoreID     int
}

// GetCPUInfo reports the CPUs visible to this process. NUMA topology
// detection is out of scope here (no NUMA library appears anywhere in
// the examples pack); every CPU is reported on NUMA node 0 with one
// CPU per core, the same simplification the single-process Go runtime
// already makes via GOMAXPROCS.
func GetCPUInfo() (CPUInfo, []CPUDetail) {
	n := runtime.NumCPU()
	details := make([]CPUDetail, n)
	for i := 0; i < n; i++ {
		details[i] = CPUDetail{CPUID: i, NUMANodeID: 0, CoreID: i}
	}
	return CPUInfo{NumCPUs: n, NumNUMANodes: 1, CPUsPerCore: 1}, details
}

// MemoryInfo is the reply to "get memory info" (§4.6.5).
type MemoryInfo struct {
	TotalMiB   uint64
	PerNUMAMiB []uint64
}

// GetMemoryInfo reads total user memory from /proc/meminfo. Per-NUMA
// breakdown collapses to a single entry for the same reason CPUInfo
// does: no NUMA topology source is available in this module's
// dependency set.
func GetMemoryInfo() (MemoryInfo, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("%w: reading /proc/meminfo: %v", griderrs.ErrIO, err)
	}
	defer f.Close()

	var totalKiB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			totalKiB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
		break
	}
	totalMiB := totalKiB / 1024
	return MemoryInfo{TotalMiB: totalMiB, PerNUMAMiB: []uint64{totalMiB}}, nil
}

// DiskFreeBytes probes free space at dir. On any failure it returns
// ok=false without distinguishing "does not exist" from "permission
// denied" from any other cause, per §4.6.5's instruction never to
// reveal whether the probed path exists.
func DiskFreeBytes(dir string) (free uint64, ok bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, false
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), true
}

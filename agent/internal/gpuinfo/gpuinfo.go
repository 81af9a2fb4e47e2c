// Package gpuinfo detects the GPU installed on the host, for inclusion in
// the agent's registration message. There is no portable cross-platform API
// for CUDA device properties, so detection first shells out to nvidia-smi —
// the standard way of querying an NVIDIA GPU without linking against the
// CUDA toolkit — and degrades to a gopsutil-derived "cpu-only" descriptor
// when nvidia-smi isn't present, the same best-effort-degrade posture the
// teacher's Docker discovery takes when the Docker daemon is unreachable.
package gpuinfo

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/podpilot/podpilot/shared/types"
)

const probeTimeout = 5 * time.Second

// Collect detects the host's GPU. It never returns an error — on any
// detection failure it falls back to a cpu-only descriptor so registration
// can proceed on GPU-less or undetectable hosts.
func Collect() types.GpuInfo {
	if info, ok := queryNvidiaSMI(); ok {
		return info
	}
	return cpuOnlyFallback()
}

// queryNvidiaSMI shells out to nvidia-smi and parses its first reported GPU.
// A machine with multiple GPUs is represented by the first one only — the
// agent models one physical worker, not a GPU fleet.
func queryNvidiaSMI() (types.GpuInfo, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,driver_version,compute_cap",
		"--format=csv,noheader,nounits",
	)
	out, err := cmd.Output()
	if err != nil {
		return types.GpuInfo{}, false
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return types.GpuInfo{}, false
	}

	fields := strings.Split(scanner.Text(), ",")
	if len(fields) < 4 {
		return types.GpuInfo{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	memGB, _ := strconv.ParseFloat(fields[1], 32)
	memGB = memGB / 1024 // nvidia-smi reports memory.total in MiB

	computeCap := fields[3]

	return types.GpuInfo{
		Name:              fields[0],
		MemoryGB:          float32(memGB),
		CUDAVersion:       fields[2],
		ComputeCapability: &computeCap,
	}, true
}

// cpuOnlyFallback builds a GpuInfo describing the CPU instead, for hosts
// with no NVIDIA tooling. gopsutil has no GPU support, so this is the most
// the agent can report without nvidia-smi.
func cpuOnlyFallback() types.GpuInfo {
	infos, err := cpu.Info()
	if err != nil || len(infos) == 0 {
		return types.GpuInfo{Name: "cpu-only"}
	}
	return types.GpuInfo{Name: fmt.Sprintf("cpu-only (%s)", infos[0].ModelName)}
}

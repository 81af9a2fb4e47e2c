package gpuinfo

import "testing"

func TestCpuOnlyFallbackNeverEmpty(t *testing.T) {
	info := cpuOnlyFallback()
	if info.Name == "" {
		t.Fatal("expected a non-empty fallback GPU name")
	}
}

func TestCollectNeverPanics(t *testing.T) {
	// Collect must always return, even on hosts with no nvidia-smi.
	_ = Collect()
}

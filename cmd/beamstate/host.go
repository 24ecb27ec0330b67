package main

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

type hostInfo struct {
	GoOS     string          `json:"go_os"`
	GoArch   string          `json:"go_arch"`
	CPUs     int             `json:"cpus"`
	Workers  int             `json:"workers"`
	Features map[string]bool `json:"features"`
}

func describeHost(workers int) hostInfo {
	features := map[string]bool{}
	switch runtime.GOARCH {
	case "amd64", "386":
		features["avx"] = cpu.X86.HasAVX
		features["avx2"] = cpu.X86.HasAVX2
		features["fma"] = cpu.X86.HasFMA
		features["f16c"] = cpu.X86.HasF16C
		features["avx512f"] = cpu.X86.HasAVX512F
		features["avx512bf16"] = cpu.X86.HasAVX512BF16
	case "arm64":
		features["asimd"] = cpu.ARM64.HasASIMD
		features["fphp"] = cpu.ARM64.HasFPHP
		features["asimdhp"] = cpu.ARM64.HasASIMDHP
		features["sve"] = cpu.ARM64.HasSVE
	}
	return hostInfo{
		GoOS:     runtime.GOOS,
		GoArch:   runtime.GOARCH,
		CPUs:     runtime.NumCPU(),
		Workers:  workers,
		Features: features,
	}
}

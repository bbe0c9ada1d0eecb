package system

import (
	"os"
	"os/exec"
	"runtime"
)

// Host describes the device packages are deployed on
type Host struct {
	Arch      string
	GPUVendor string
}

// DetectHost inspects the running system
func DetectHost() Host {
	return Host{Arch: runtime.GOARCH, GPUVendor: detectGPU()}
}

// detectGPU returns "nvidia", "amd", "intel", or "" if no GPU is found
func detectGPU() string {
	switch {
	case onPath("nvidia-smi"):
		return "nvidia"
	case exists("/opt/rocm") || onPath("rocm-smi"):
		return "amd"
	case onPath("intel_gpu_top") || exists("/usr/lib/x86_64-linux-gnu/intel-opencl"):
		return "intel"
	}
	return ""
}

func onPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package gpu probes host GPU capability and implements the backend
// fallback-selection rules.
package gpu

import (
	"runtime"

	"github.com/jaypipes/ghw"
)

// Capability describes what the host can run inference on.
type Capability struct {
	// Dedicated reports whether a dedicated (non-integrated) GPU was found.
	Dedicated bool
	// Devices lists the vendor/product names ghw enumerated, best-effort.
	Devices []string
}

// Probe inspects the host's GPU devices via ghw. It never returns an error:
// a probe failure degrades to "no dedicated GPU detected", since GPU
// absence must never block server startup.
func Probe() Capability {
	gpuInfo, err := ghw.GPU()
	if err != nil || gpuInfo == nil {
		return Capability{}
	}

	result := Capability{}
	for _, card := range gpuInfo.GraphicsCards {
		if card.DeviceInfo == nil {
			continue
		}
		name := card.DeviceInfo.Product.Name
		if name == "" {
			name = card.DeviceInfo.Vendor.Name
		}
		if name != "" {
			result.Devices = append(result.Devices, name)
		}
		if !isIntegrated(card.DeviceInfo.Vendor.Name) {
			result.Dedicated = true
		}
	}
	return result
}

func isIntegrated(vendor string) bool {
	switch vendor {
	case "Intel Corporation", "Intel":
		return true
	default:
		return false
	}
}

// IsAppleHost reports whether the fallback rules should use the macOS/Apple
// preference order.
func IsAppleHost() bool {
	return runtime.GOOS == "darwin"
}

// SelectFallbackBackend picks the default backend when the caller omits
// backend_name and no default_backend is configured:
//
//	Apple host:        prefer "metal", fall back to "cpu", else first available.
//	Otherwise:         if a dedicated GPU is detected, prefer "vulkan"; else
//	                   "cpu"; else first available.
//
// available is the set of backend names the loader currently knows about.
func SelectFallbackBackend(available []string, capability Capability) (string, bool) {
	has := func(name string) bool {
		for _, a := range available {
			if a == name {
				return true
			}
		}
		return false
	}

	var preferred []string
	if IsAppleHost() {
		preferred = []string{"metal", "cpu"}
	} else if capability.Dedicated {
		preferred = []string{"vulkan", "cpu"}
	} else {
		preferred = []string{"cpu"}
	}

	for _, name := range preferred {
		if has(name) {
			return name, true
		}
	}
	if len(available) > 0 {
		return available[0], true
	}
	return "", false
}

// gpuClassBackends are the backend names that receive the gpu_layers "all"
// override (original_source/src/node_manager.cpp); never applied to "cpu".
var gpuClassBackends = map[string]bool{
	"llama-vulkan": true,
	"llama-cuda":   true,
	"llama-metal":  true,
	"vulkan":       true,
	"cuda":         true,
	"metal":        true,
}

// IsGPUClassBackend reports whether backendName is one of the GPU-class
// backends eligible for the gpu_layers "all" override.
func IsGPUClassBackend(backendName string) bool {
	return gpuClassBackends[backendName]
}

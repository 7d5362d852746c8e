package gpu

import "testing"

func TestSelectFallbackBackend_DedicatedGPUPrefersVulkan(t *testing.T) {
	name, ok := SelectFallbackBackend([]string{"cpu", "vulkan"}, Capability{Dedicated: true})
	if !ok || name != "vulkan" {
		t.Fatalf("got (%q, %v), want (vulkan, true)", name, ok)
	}
}

func TestSelectFallbackBackend_NoDedicatedGPUPrefersCPU(t *testing.T) {
	name, ok := SelectFallbackBackend([]string{"cpu", "vulkan"}, Capability{Dedicated: false})
	if !ok || name != "cpu" {
		t.Fatalf("got (%q, %v), want (cpu, true)", name, ok)
	}
}

func TestSelectFallbackBackend_FallsBackToFirstAvailable(t *testing.T) {
	name, ok := SelectFallbackBackend([]string{"mlx"}, Capability{Dedicated: true})
	if !ok || name != "mlx" {
		t.Fatalf("got (%q, %v), want (mlx, true)", name, ok)
	}
}

func TestSelectFallbackBackend_NoneAvailable(t *testing.T) {
	_, ok := SelectFallbackBackend(nil, Capability{})
	if ok {
		t.Fatal("expected ok=false with no available backends")
	}
}

func TestIsGPUClassBackend(t *testing.T) {
	cases := map[string]bool{
		"llama-vulkan": true,
		"llama-cuda":   true,
		"llama-metal":  true,
		"cpu":          false,
		"":             false,
	}
	for name, want := range cases {
		if got := IsGPUClassBackend(name); got != want {
			t.Errorf("IsGPUClassBackend(%q) = %v, want %v", name, got, want)
		}
	}
}

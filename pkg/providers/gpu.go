package providers

import "strings"

// canonicalGPUTokens maps marketing-name fragments to canonical model tags.
// Order matters: longer tokens first so A100 is not swallowed by A10, nor
// L40S by L4.
var canonicalGPUTokens = []struct {
	token string
	model string
}{
	{"H200", "H200"},
	{"H100", "H100"},
	{"A100", "A100"},
	{"L40S", "L40S"},
	{"L40", "L40"},
	{"A10G", "A10"},
	{"A10", "A10"},
	{"V100", "V100"},
	{"T4", "T4"},
	{"L4", "L4"},
	{"4090", "RTX4090"},
	{"3090", "RTX3090"},
}

// CanonicalGPU maps a provider's GPU name ("NVIDIA A100 80GB PCIe",
// "RTX_4090") onto the canonical model tag used in resource profiles.
// Returns empty for models Corral does not schedule on.
func CanonicalGPU(name string) string {
	squashed := strings.ToUpper(name)
	for _, sep := range []string{" ", "-", "_"} {
		squashed = strings.ReplaceAll(squashed, sep, "")
	}
	for _, c := range canonicalGPUTokens {
		if strings.Contains(squashed, c.token) {
			return c.model
		}
	}
	return ""
}

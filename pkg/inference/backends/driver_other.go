//go:build !windows

package backends

// probeNPUDriverVersion always fails off Windows; the NPU recipes refuse
// to install there anyway.
func probeNPUDriverVersion() string {
	return ""
}

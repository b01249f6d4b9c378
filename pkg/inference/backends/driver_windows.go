package backends

import (
	"golang.org/x/sys/windows/registry"
)

// probeNPUDriverVersion reads the Ryzen AI NPU driver version from the
// device class registry key. Empty when no NPU driver is present.
func probeNPUDriverVersion() string {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE,
		`SYSTEM\CurrentControlSet\Control\Class\{f01a9d53-3ff6-48d2-9f97-c8a7004be10c}\0000`,
		registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer key.Close()
	v, _, err := key.GetStringValue("DriverVersion")
	if err != nil {
		return ""
	}
	return v
}

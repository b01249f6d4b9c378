// Package sysinfo builds the host hardware inventory reported by the
// system-info endpoint.
package sysinfo

import (
	"context"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

// GPUDevice describes one graphics or accelerator device.
type GPUDevice struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
}

// Inventory probes the host once and serves the result from cache;
// hardware does not change while the router runs.
type Inventory struct {
	log logging.Logger

	once   sync.Once
	cached map[string]interface{}
	err    error
}

// NewInventory creates a host inventory source.
func NewInventory(log logging.Logger) *Inventory {
	return &Inventory{log: log}
}

// Describe returns the host description as loosely typed JSON fields.
func (i *Inventory) Describe(_ context.Context) (map[string]interface{}, error) {
	i.once.Do(func() { i.cached, i.err = i.probe() })
	return i.cached, i.err
}

func (i *Inventory) probe() (map[string]interface{}, error) {
	out := make(map[string]interface{})

	host, err := sysinfo.Host()
	if err != nil {
		return nil, err
	}
	info := host.Info()
	out["hostname"] = info.Hostname
	out["architecture"] = info.Architecture
	out["kernel_version"] = info.KernelVersion
	if info.OS != nil {
		out["os_name"] = info.OS.Name
		out["os_version"] = info.OS.Version
	}
	if mem, err := host.Memory(); err == nil {
		out["memory_total"] = units.BytesSize(float64(mem.Total))
		out["memory_available"] = units.BytesSize(float64(mem.Available))
	} else {
		i.log.Debugf("memory probe failed: %v", err)
	}

	// ghw probes are best effort; unsupported platforms report partial
	// inventories rather than failing the endpoint.
	if cpu, err := ghw.CPU(); err == nil {
		out["cpu_cores"] = cpu.TotalCores
		out["cpu_threads"] = cpu.TotalThreads
		if len(cpu.Processors) > 0 {
			out["cpu_model"] = cpu.Processors[0].Model
		}
	} else {
		i.log.Debugf("cpu probe failed: %v", err)
	}

	gpus, npu := i.probeAccelerators()
	out["gpus"] = gpus
	out["npu_detected"] = npu
	return out, nil
}

// probeAccelerators lists graphics devices and reports whether one of
// them looks like an AMD NPU.
func (i *Inventory) probeAccelerators() ([]GPUDevice, bool) {
	gpu, err := ghw.GPU()
	if err != nil {
		i.log.Debugf("gpu probe failed: %v", err)
		return []GPUDevice{}, false
	}
	devices := make([]GPUDevice, 0, len(gpu.GraphicsCards))
	npu := false
	for _, card := range gpu.GraphicsCards {
		if card.DeviceInfo == nil {
			continue
		}
		d := GPUDevice{}
		if card.DeviceInfo.Vendor != nil {
			d.Vendor = card.DeviceInfo.Vendor.Name
		}
		if card.DeviceInfo.Product != nil {
			d.Product = card.DeviceInfo.Product.Name
		}
		if isNPU(d.Product) {
			npu = true
		}
		devices = append(devices, d)
	}
	return devices, npu
}

func isNPU(product string) bool {
	p := strings.ToLower(product)
	return strings.Contains(p, "npu") || strings.Contains(p, "ipu")
}

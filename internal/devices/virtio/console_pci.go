package virtio

import (
	"fmt"
	"io"

	"github.com/subgraph/ph/internal/devices/amd64/pci"
	"github.com/subgraph/ph/internal/hv"
)

// ConsolePCITemplate creates a virtio-console device exposed via PCI.
type ConsolePCITemplate struct {
	Host     *pci.HostBridge
	Bus      uint8
	Device   uint8
	Function uint8

	Out io.Writer
	In  io.Reader
}

// Create implements hv.DeviceTemplate.
func (t ConsolePCITemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	if t.Host == nil {
		return nil, fmt.Errorf("virtio-console: PCI template requires a host bridge")
	}

	console := &Console{
		out: t.Out,
		in:  t.In,
	}
	if err := console.InitPCI(vm, t.Host, t.Bus, t.Device, t.Function); err != nil {
		return nil, fmt.Errorf("virtio-console: initialize pci device: %w", err)
	}
	return console, nil
}

var _ hv.DeviceTemplate = ConsolePCITemplate{}

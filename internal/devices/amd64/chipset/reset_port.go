package chipset

import (
	"fmt"
	"sync"

	"github.com/subgraph/ph/internal/hv"
)

const systemControlPort = 0x92

// SystemControlPort emulates PS/2 system control port A (0x92): fast A20
// gate and CPU reset, read back as a fixed status byte by guests that poll
// it during early boot.
type SystemControlPort struct {
	mu   sync.Mutex
	last byte
}

func NewSystemControlPort() *SystemControlPort {
	return &SystemControlPort{last: 0x02}
}

func (p *SystemControlPort) Init(vm hv.VirtualMachine) error {
	return nil
}

func (p *SystemControlPort) IOPorts() []uint16 {
	return []uint16{systemControlPort}
}

func (p *SystemControlPort) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		data[i] = p.last
	}
	return nil
}

func (p *SystemControlPort) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("system control: empty write")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Bit 0 is the fast-reset trigger; bit 1 (A20 gate) is accepted but has
	// no effect since the guest already runs with A20 permanently enabled.
	if data[0]&0x01 == 0 {
		return nil
	}

	return hv.ErrGuestRequestedReboot
}

var _ hv.X86IOPortDevice = (*SystemControlPort)(nil)

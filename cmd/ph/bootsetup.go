package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/subgraph/ph/internal/hv"
)

// bootLayout is the set of guest-physical addresses the Linux x86_64 boot
// protocol needs agreed on before the first vCPU runs: where the kernel
// itself lives, where its zero page (boot_params) sits, where the command
// line string and the initrd (if any) were copied, and the identity-mapped
// page tables the vCPU's CR3 will point at. Computed once by setupBoot and
// consumed by configureBootVCPU for every vCPU.
type bootLayout struct {
	entryRIP  uint64
	zeroPage  uint64
	stackTop  uint64
	pagingGPA uint64
}

const (
	pagingWindowSize = 0x10000 // 4 PML4/PDPT/4×PD pages, rounded up
	stackGuard       = 0x1000
)

// setupBoot loads the kernel image, builds the E820 map, places the command
// line and initrd, and writes the Linux boot_params zero page into guest
// RAM. It returns the layout configureBootVCPU needs to bring vCPU 0 up in
// 64-bit mode at the kernel's entry point, per spec.md's "Arch setup
// collaborator" (component N): this is boot-time guest-physical setup
// plumbing, done once before any vCPU thread starts.
func setupBoot(vm hv.VirtualMachine, kernel *kernelImage, cmdline string, initrd []byte) (*bootLayout, error) {
	memBase := vm.MemoryBase()
	memSize := vm.MemorySize()
	if memSize <= pagingWindowSize+zeroPageSize {
		return nil, fmt.Errorf("guest memory (%d bytes) too small to boot", memSize)
	}

	loadAddr := kernel.defaultLoadAddress()
	if err := kernel.loadIntoMemory(vm, loadAddr); err != nil {
		return nil, fmt.Errorf("load kernel image: %w", err)
	}

	// Reserve a fixed low window for paging structures, then place the
	// zero page, cmdline and initrd below the top of RAM.
	pagingGPA := memBase
	top := memBase + memSize
	zeroPageGPA := alignDown(top-zeroPageSize, 0x1000)
	top = zeroPageGPA

	cmdlineGPA := alignDown(top-uint64(len(cmdline)+1), 0x1000)
	top = cmdlineGPA

	var initrdGPA uint64
	if len(initrd) > 0 {
		initrdGPA = alignDown(top-uint64(len(initrd)), 0x1000)
		top = initrdGPA
	}

	stackTop := alignDown(top-stackGuard, 0x10)
	if stackTop <= pagingGPA+pagingWindowSize {
		return nil, errors.New("not enough guest RAM to fit kernel, initrd, cmdline and stack")
	}

	e820 := defaultE820Map(memBase, memBase+memSize)

	if err := buildZeroPage(vm, kernel, zeroPageGPA, loadAddr, cmdline, cmdlineGPA, initrdGPA, uint32(len(initrd)), e820); err != nil {
		return nil, fmt.Errorf("build zero page: %w", err)
	}
	if len(initrd) > 0 {
		if _, err := vm.WriteAt(initrd, int64(initrdGPA-memBase)); err != nil {
			return nil, fmt.Errorf("write initrd: %w", err)
		}
	}

	return &bootLayout{
		entryRIP:  kernel.entryPoint(loadAddr),
		zeroPage:  zeroPageGPA,
		stackTop:  stackTop,
		pagingGPA: pagingGPA,
	}, nil
}

// buildZeroPage writes the boot_params structure Linux's head_64.S reads at
// entry: the embedded setup_header, command line pointer, initrd location,
// and E820 memory map, per Documentation/x86/boot.rst.
func buildZeroPage(vm hv.VirtualMachine, k *kernelImage, zeroPageGPA, loadAddr uint64, cmdline string, cmdlineGPA, initrdGPA uint64, initrdSize uint32, e820 []E820Entry) error {
	zp := make([]byte, zeroPageSize)

	if len(k.headerBytes) > 0 {
		if len(k.headerBytes) > zeroPageSize-setupHeaderOffset {
			return errors.New("setup header larger than zero page space")
		}
		copy(zp[setupHeaderOffset:], k.headerBytes)
	}

	binary.LittleEndian.PutUint16(zp[bootFlagOffset:], 0xaa55)
	copy(zp[headerMagicOffset:], []byte(headerMagic))
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], k.protocolVersion)
	binary.LittleEndian.PutUint32(zp[kernelAlignOffset:], k.kernelAlignment)
	binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], k.xloadFlags)
	binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], k.cmdlineSize)
	binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], k.initrdAddrMax)
	binary.LittleEndian.PutUint64(zp[prefAddressOffset:], k.prefAddress)
	binary.LittleEndian.PutUint32(zp[initSizeOffset:], k.initSize)

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown

	loadFlags := k.loadFlags | canUseHeapFlag
	zp[loadFlagsOffset] = loadFlags
	heapEnd := uint16(0x9800)
	if loadFlags&loadedHighFlag != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if loadAddr > 0xffffffff {
		return fmt.Errorf("load address %#x exceeds 32-bit range", loadAddr)
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(loadAddr))

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(cmdlineGPA))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(cmdlineGPA>>32))

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdGPA))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamdiskImage:], uint32(initrdGPA>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamdiskSize:], uint32(uint64(initrdSize)>>32))
	}

	if k.cmdlineSize != 0 && len(cmdline) > int(k.cmdlineSize) {
		return fmt.Errorf("command line length %d exceeds kernel limit %d", len(cmdline), k.cmdlineSize)
	}
	cmdlineBytes := append([]byte(cmdline), 0)
	if _, err := vm.WriteAt(cmdlineBytes, int64(cmdlineGPA-vm.MemoryBase())); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}

	if len(e820) == 0 || len(e820) > e820MaxEntries {
		return fmt.Errorf("invalid e820 map (%d entries)", len(e820))
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	_, err := vm.WriteAt(zp, int64(zeroPageGPA-vm.MemoryBase()))
	return err
}

// configureBootVCPU brings one vCPU up in 64-bit mode with identity-mapped
// paging, RSI pointed at the zero page (the ABI the 64-bit kernel entry
// point expects: "%rsi must hold the base address of the struct
// boot_params"), RSP at the reserved stack, and RIP at the kernel's entry
// point. Every vCPU gets the same setup per spec.md's "SMP ... identical
// setup" non-goal carve-out; only vCPU 0 actually needs the zero page; the
// rest ignore RSI since vCPU 0 performs the Linux SMP bringup sequence.
func configureBootVCPU(vcpu hv.VirtualCPU, layout *bootLayout) error {
	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("vcpu %d does not implement amd64 long-mode setup", vcpu.ID())
	}

	const codeSelector = 1 << 3
	const dataSelector = 2 << 3
	if err := amd64.SetLongModeWithSelectors(layout.pagingGPA-vcpu.VirtualMachine().MemoryBase(), 1, codeSelector, dataSelector); err != nil {
		return fmt.Errorf("set long mode: %w", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(layout.entryRIP),
		hv.RegisterAMD64Rsp:    hv.Register64(layout.stackTop),
		hv.RegisterAMD64Rsi:    hv.Register64(layout.zeroPage),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set boot registers: %w", err)
	}
	return nil
}

package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/subgraph/ph/internal/hv"
)

// The Linux/x86 boot protocol setup_header begins at offset 0x1f1 (497)
// into the bzImage, and is embedded verbatim at the same offset inside the
// zero page the guest reads at entry. Offsets below are named the way the
// kernel's Documentation/x86/boot.rst names them.
const (
	zeroPageSize = 4096

	setupHeaderOffset = 497

	zeroPageExtRamdiskImage = 192
	zeroPageExtRamdiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	bootFlagOffset        = setupHeaderOffset + 13
	headerMagicOffset     = setupHeaderOffset + 17
	protocolVersionOffset = setupHeaderOffset + 21
	typeOfLoaderOffset    = setupHeaderOffset + 31
	loadFlagsOffset       = setupHeaderOffset + 32
	code32StartOffset     = setupHeaderOffset + 35
	ramdiskImageOffset    = setupHeaderOffset + 39
	ramdiskSizeOffset     = setupHeaderOffset + 43
	heapEndPtrOffset      = setupHeaderOffset + 51
	cmdLinePtrOffset      = setupHeaderOffset + 55
	initrdAddrMaxOffset   = setupHeaderOffset + 59
	kernelAlignOffset     = setupHeaderOffset + 63
	relocatableOffset     = setupHeaderOffset + 67
	xloadflagsOffset      = setupHeaderOffset + 69
	cmdlineSizeOffset     = setupHeaderOffset + 71
	payloadOffsetOffset   = setupHeaderOffset + 87
	prefAddressOffset     = setupHeaderOffset + 103
	initSizeOffset        = setupHeaderOffset + 111

	headerMagic         = "HdrS"
	headerLengthOffset  = 0x201
	headerLengthBase    = 0x202
	xlfKernel64         = 1 << 0
	loadedHighFlag      = 1 << 0
	canUseHeapFlag      = 1 << 7
	typeOfLoaderUnknown = 0xff

	e820EntrySize  = 20
	e820MaxEntries = 128
	e820TypeRAM    = 1
	e820TypeRsvd   = 2
)

// E820Entry is one BIOS memory-map entry written into the zero page.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// kernelFormat distinguishes the two image shapes this loader accepts.
type kernelFormat int

const (
	formatBzImage kernelFormat = iota
	formatELF
)

type elfSegment struct {
	physAddr uint64
	fileSize uint64
	memSize  uint64
	data     []byte
}

// kernelImage is a parsed Linux kernel ready to be copied into guest RAM.
// Loading an ELF vmlinux and loading a bzImage converge on the same type so
// the rest of the boot setup (zero page, entry point, memory copy) doesn't
// need to know which format was given.
type kernelImage struct {
	format kernelFormat

	data          []byte
	headerBytes   []byte
	payloadOffset int

	protocolVersion uint16
	loadFlags       byte
	kernelAlignment uint32
	xloadFlags      uint16
	cmdlineSize     uint32
	initrdAddrMax   uint32
	prefAddress     uint64
	initSize        uint32

	elfSegments []elfSegment
	elfEntry    uint64
	elfMinPhys  uint64
}

func loadKernelImage(path string) (*kernelImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel %s: %w", path, err)
	}
	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return loadELFKernel(data)
	}
	return loadBzImage(data)
}

func loadBzImage(data []byte) (*kernelImage, error) {
	if len(data) < setupHeaderOffset+4 {
		return nil, errors.New("bzImage too small to contain a setup header")
	}
	if !bytes.Equal(data[headerMagicOffset:headerMagicOffset+4], []byte(headerMagic)) {
		return nil, errors.New("bzImage missing \"HdrS\" magic")
	}

	headerLen := int(data[headerLengthOffset])
	if headerLen == 0 {
		headerLen = 0x2e // protocol 2.00 fallback length
	}
	headerEnd := setupHeaderOffset + headerLen
	if headerEnd > len(data) {
		headerEnd = len(data)
	}
	headerBytes := append([]byte(nil), data[setupHeaderOffset:headerEnd]...)

	k := &kernelImage{format: formatBzImage, data: data, headerBytes: headerBytes}

	k.protocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset:])
	k.loadFlags = data[loadFlagsOffset]
	k.kernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignOffset:])
	k.xloadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	k.cmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset:])
	k.initrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset:])
	k.prefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset:])
	k.initSize = binary.LittleEndian.Uint32(data[initSizeOffset:])

	if k.xloadFlags&xlfKernel64 == 0 {
		return nil, errors.New("bzImage has no 64-bit entry point (XLF_KERNEL_64 unset)")
	}

	setupSectors := int(data[setupHeaderOffset-1])
	if setupSectors == 0 {
		setupSectors = 4
	}
	k.payloadOffset = 512 * (1 + setupSectors)
	if k.payloadOffset >= len(data) {
		return nil, errors.New("bzImage payload offset exceeds file size")
	}

	return k, nil
}

func loadELFKernel(data []byte) (*kernelImage, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %d (want x86_64)", f.Machine)
	}

	var segments []elfSegment
	var minPhys, maxPhys uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		buf := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(buf, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		segments = append(segments, elfSegment{
			physAddr: prog.Paddr,
			fileSize: prog.Filesz,
			memSize:  prog.Memsz,
			data:     buf,
		})
		if minPhys == 0 || prog.Paddr < minPhys {
			minPhys = prog.Paddr
		}
		if end := prog.Paddr + prog.Memsz; end > maxPhys {
			maxPhys = end
		}
	}
	if len(segments) == 0 {
		return nil, errors.New("ELF kernel has no loadable segments")
	}
	if f.Entry < minPhys || f.Entry >= maxPhys {
		return nil, fmt.Errorf("ELF entry %#x outside loaded span [%#x, %#x)", f.Entry, minPhys, maxPhys)
	}
	span := maxPhys - minPhys
	if span > math.MaxUint32 {
		return nil, fmt.Errorf("ELF kernel span %#x exceeds 4GiB limit", span)
	}

	return &kernelImage{
		format:        formatELF,
		elfSegments:   segments,
		elfEntry:      f.Entry,
		elfMinPhys:    minPhys,
		prefAddress:   minPhys,
		initSize:      uint32(span),
		cmdlineSize:   4096,
		initrdAddrMax: 0x37ffffff,
	}, nil
}

func (k *kernelImage) payload() []byte {
	return k.data[k.payloadOffset:]
}

// defaultLoadAddress picks where to place the image in guest RAM absent an
// explicit preferred address from the header.
func (k *kernelImage) defaultLoadAddress() uint64 {
	if k.prefAddress != 0 {
		return k.prefAddress
	}
	if k.format == formatELF {
		return k.elfMinPhys
	}
	if k.loadFlags&loadedHighFlag != 0 {
		return 0x00100000
	}
	return 0x00010000
}

func (k *kernelImage) entryPoint(loadAddr uint64) uint64 {
	if k.format == formatELF {
		return k.elfEntry
	}
	return loadAddr + 0x200
}

// loadIntoMemory copies the kernel image (payload or ELF segments) into
// guest RAM at loadAddr, zero-filling any BSS-style gap first.
func (k *kernelImage) loadIntoMemory(vm hv.VirtualMachine, loadAddr uint64) error {
	if k.format == formatELF {
		return k.loadELFSegments(vm)
	}

	payload := k.payload()
	clearLen := len(payload)
	if int(k.initSize) > clearLen {
		clearLen = int(k.initSize)
	}
	if loadAddr < vm.MemoryBase() || loadAddr+uint64(clearLen) > vm.MemoryBase()+vm.MemorySize() {
		return fmt.Errorf("kernel load address %#x (len %#x) outside guest RAM", loadAddr, clearLen)
	}
	off := int64(loadAddr - vm.MemoryBase())
	if _, err := vm.WriteAt(make([]byte, clearLen), off); err != nil {
		return fmt.Errorf("zero kernel load region: %w", err)
	}
	if _, err := vm.WriteAt(payload, off); err != nil {
		return fmt.Errorf("write kernel payload: %w", err)
	}
	return nil
}

func (k *kernelImage) loadELFSegments(vm hv.VirtualMachine) error {
	for _, seg := range k.elfSegments {
		if seg.physAddr < vm.MemoryBase() || seg.physAddr+seg.memSize > vm.MemoryBase()+vm.MemorySize() {
			return fmt.Errorf("ELF segment [%#x, %#x) outside guest RAM", seg.physAddr, seg.physAddr+seg.memSize)
		}
		off := int64(seg.physAddr - vm.MemoryBase())
		if _, err := vm.WriteAt(make([]byte, seg.memSize), off); err != nil {
			return fmt.Errorf("zero ELF segment @%#x: %w", seg.physAddr, err)
		}
		if seg.fileSize > 0 {
			if _, err := vm.WriteAt(seg.data[:seg.fileSize], off); err != nil {
				return fmt.Errorf("write ELF segment @%#x: %w", seg.physAddr, err)
			}
		}
	}
	return nil
}

// defaultE820Map describes all of guest RAM [memBase, memEnd) as usable,
// the simplest map a direct-boot loader with no reserved BIOS regions needs.
func defaultE820Map(memBase, memEnd uint64) []E820Entry {
	return []E820Entry{{Addr: memBase, Size: memEnd - memBase, Type: e820TypeRAM}}
}

func alignDown(value, align uint64) uint64 {
	return value &^ (align - 1)
}

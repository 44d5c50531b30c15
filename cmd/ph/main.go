// Command ph boots a Linux guest under KVM using the virtio device backends
// in internal/devices/virtio. Configuration comes from a YAML machine
// description (internal/vmconfig) with a handful of flags for quick
// overrides, mirroring the teacher's flags+YAML split in cmd/cc.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/subgraph/ph/internal/debug"
	"github.com/subgraph/ph/internal/devices/amd64/chipset"
	"github.com/subgraph/ph/internal/devices/amd64/pci"
	amd64serial "github.com/subgraph/ph/internal/devices/amd64/serial"
	"github.com/subgraph/ph/internal/devices/virtio"
	"github.com/subgraph/ph/internal/hv"
	"github.com/subgraph/ph/internal/hv/kvm"
	"github.com/subgraph/ph/internal/vmconfig"
)

// exitError carries a specific process exit code up through run(), the way
// the teacher's internal/initx.ExitError does for cmd/cc.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string { return f.v }
func (f *stringFlag) Set(s string) error {
	f.v = s
	f.set = true
	return nil
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }
func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}
func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}
func (f *boolFlag) IsBoolFlag() bool { return true }

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "ph: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath stringFlag
	var cpus intFlag
	var memoryMB intFlag
	var verbose boolFlag
	var kernelOverride stringFlag
	var cmdlineOverride stringFlag
	var traceFile stringFlag

	flag.Var(&configPath, "config", "path to a YAML machine configuration")
	flag.Var(&cpus, "cpus", "override vCPU count from the config file")
	flag.Var(&memoryMB, "memory", "override guest memory in MiB from the config file")
	flag.Var(&verbose, "v", "enable verbose logging and the structured trace file")
	flag.Var(&kernelOverride, "kernel", "override the kernel image path from the config file")
	flag.Var(&cmdlineOverride, "append", "append extra kernel command line arguments")
	flag.Var(&traceFile, "trace", "write internal/debug structured trace output to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: ph -config machine.yaml [flags]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if !configPath.set {
		return &exitError{code: 2, err: errors.New("ph: -config is required")}
	}

	cfg, err := vmconfig.Load(configPath.v)
	if err != nil {
		return err
	}
	if cpus.set {
		cfg.CPUs = cpus.v
	}
	if memoryMB.set {
		cfg.MemoryMB = uint64(memoryMB.v)
	}
	if verbose.set {
		cfg.Verbose = verbose.v
	}
	if kernelOverride.set {
		cfg.Kernel = kernelOverride.v
	}
	if cmdlineOverride.set {
		cfg.Cmdline = cfg.Cmdline + " " + cmdlineOverride.v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Verbose {
		tracePath := traceFile.v
		if tracePath == "" {
			tracePath = "ph.trace"
		}
		if err := debug.OpenFile(tracePath); err != nil {
			slog.Warn("open trace file", "path", tracePath, "err", err)
		} else {
			defer debug.Close()
		}
	}

	kernelImg, err := loadKernelImage(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	var initrd []byte
	if cfg.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Initrd)
		if err != nil {
			return fmt.Errorf("read initrd: %w", err)
		}
	}

	cmdline := cfg.Cmdline
	if cmdline == "" {
		cmdline = "console=ttyS0 reboot=k panic=-1"
	}

	hypervisor, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open kvm: %w", err)
	}
	defer hypervisor.Close()

	m := &machine{cfg: cfg, kernel: kernelImg, cmdline: cmdline, initrd: initrd}

	vmCfg := hv.SimpleVMConfig{
		NumCPUs:          cfg.CPUs,
		MemSize:          cfg.MemoryMB << 20,
		MemBase:          0,
		InterruptSupport: true,
		VMLoader:         m,
	}

	vm, err := hypervisor.NewVirtualMachine(vmCfg)
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	defer vm.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	restore := maybeEnterRawMode()
	defer restore()

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.CPUs; i++ {
		id := i
		group.Go(func() error {
			return vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
				if err := configureBootVCPU(vcpu, m.layout); err != nil {
					return fmt.Errorf("vcpu %d: configure boot state: %w", id, err)
				}
				return vm.Run(gctx, bootRunConfig{})
			})
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("vm run: %w", err)
	}
	return nil
}

// maybeEnterRawMode puts stdin into raw mode so the virtio-console backend
// sees individual keystrokes instead of line-buffered input, the way the
// teacher does for its own interactive console in cmd/cc. Returns a no-op
// restore function when stdin isn't a terminal.
func maybeEnterRawMode() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		slog.Warn("enter raw terminal mode", "err", err)
		return func() {}
	}
	return func() { _ = term.Restore(fd, oldState) }
}

// bootRunConfig implements hv.RunConfig: vCPU register state was already
// set up by configureBootVCPU before vm.Run was called, so the run loop is
// just "keep calling vcpu.Run until the guest halts or asks to reboot".
type bootRunConfig struct{}

func (bootRunConfig) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	for {
		if err := vcpu.Run(ctx); err != nil {
			if errors.Is(err, hv.ErrVMHalted) || errors.Is(err, hv.ErrGuestRequestedReboot) {
				return nil
			}
			return err
		}
	}
}

var _ hv.RunConfig = bootRunConfig{}

// machine implements hv.VMLoader: it owns the parsed kernel image and
// config, attaches every device, and writes the boot_params zero page once
// guest RAM exists.
type machine struct {
	cfg     *vmconfig.Config
	kernel  *kernelImage
	cmdline string
	initrd  []byte

	layout *bootLayout
}

// Load implements hv.VMLoader.
func (m *machine) Load(vm hv.VirtualMachine) error {
	host := pci.NewHostBridge()
	if err := vm.AddDevice(host); err != nil {
		return fmt.Errorf("add pci host bridge: %w", err)
	}
	if err := vm.AddDevice(chipset.NewCMOS(nil)); err != nil {
		return fmt.Errorf("add cmos: %w", err)
	}
	if err := vm.AddDevice(chipset.NewSystemControlPort()); err != nil {
		return fmt.Errorf("add system control port: %w", err)
	}

	console := amd64serial.NewSerial16550WithIRQ(0x3f8, 4, os.Stdout)
	if err := vm.AddDevice(console); err != nil {
		return fmt.Errorf("add serial console: %w", err)
	}

	bus := virtio.NewVirtioBus(vm, host)

	for _, disk := range m.cfg.Disks {
		flag := os.O_RDWR
		if disk.ReadOnly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(disk.Path, flag, 0)
		if err != nil {
			return fmt.Errorf("open disk %s: %w", disk.Path, err)
		}
		if _, err := bus.AttachBlk(f, disk.ReadOnly); err != nil {
			return fmt.Errorf("attach disk %s: %w", disk.Path, err)
		}
	}

	if m.cfg.Share != nil {
		if _, err := bus.AttachP9(m.cfg.Share.Tag, m.cfg.Share.Root, m.cfg.Share.ReadOnly); err != nil {
			return fmt.Errorf("attach 9p share: %w", err)
		}
	}

	if m.cfg.WaylandSocket != "" {
		const wlShmBase = 0x40000000
		if _, err := bus.AttachWl(m.cfg.WaylandSocket, wlShmBase); err != nil {
			return fmt.Errorf("attach virtio-wl: %w", err)
		}
	}

	if m.cfg.TapDevice != "" {
		backend, err := openTap(m.cfg.TapDevice)
		if err != nil {
			return fmt.Errorf("open tap device %s: %w", m.cfg.TapDevice, err)
		}
		mac := randomLocalMAC()
		if m.cfg.MacAddress != "" {
			parsed, err := net.ParseMAC(m.cfg.MacAddress)
			if err != nil {
				return fmt.Errorf("parse mac address %s: %w", m.cfg.MacAddress, err)
			}
			mac = parsed
		}
		if _, err := bus.AttachNet(mac, backend); err != nil {
			return fmt.Errorf("attach virtio-net: %w", err)
		}
	}

	if _, err := bus.AttachRng(nil); err != nil {
		return fmt.Errorf("attach virtio-rng: %w", err)
	}

	layout, err := setupBoot(vm, m.kernel, m.cmdline, m.initrd)
	if err != nil {
		return err
	}
	m.layout = layout
	return nil
}

// randomLocalMAC returns a locally-administered unicast MAC for when the
// config doesn't pin one down, matching QEMU's 52:54:00 vendor prefix
// convention for software-emulated NICs.
func randomLocalMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x52
	mac[1] = 0x54
	mac[2] = 0x00
	if _, err := io.ReadFull(rngSource(), mac[3:]); err != nil {
		copy(mac[3:], []byte{0x12, 0x34, 0x56})
	}
	return mac
}

func rngSource() io.Reader {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return nopReader{}
	}
	return f
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) { return 0, io.EOF }

var _ hv.VMLoader = (*machine)(nil)

// Command bbflash-cli is the thin CLI projection of internal/flasher's
// entry points (spec §6): `flash`, `format`, and `list-destinations`
// subcommands, each running in-process; `flash` can instead, with -serve,
// be delegated to a bbflash-agent instance discovered/spawned through a
// port file — the same split cmd/cli/main.go makes against
// cmd/driver/hasher-host.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/beagleboard/bbflash/internal/cache"
	"github.com/beagleboard/bbflash/internal/cliui"
	"github.com/beagleboard/bbflash/internal/config"
	"github.com/beagleboard/bbflash/internal/dfu"
	"github.com/beagleboard/bbflash/internal/drivelist"
	"github.com/beagleboard/bbflash/internal/flasher"
	"github.com/beagleboard/bbflash/internal/logging"
	"github.com/beagleboard/bbflash/internal/mspm0"
	"github.com/beagleboard/bbflash/internal/sdwriter"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "flash":
		err = runFlash(os.Args[2:])
	case "format":
		err = runFormat(os.Args[2:])
	case "list-destinations":
		err = runListDestinations(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bbflash-cli:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bbflash-cli <flash|format|list-destinations> [flags]")
}

type flashFlags struct {
	target         string
	image          string
	dest           string
	bmap           string
	serve          bool
	tui            bool
	verify         bool
	sysfsRoot      string
	eepromPath     string
	preserveEEPROM bool
	dfuBus         int
	dfuPort        int
	dfuVendor      uint
	dfuProduct     uint
	dfuImages      dfuImageFlag
	customize      customizeFlags
}

// customizeFlags mirrors sdwriter.Customization as individual flags, shared
// between `flash -target sd` and `format`.
type customizeFlags struct {
	hostname string
	timezone string
	keymap   string
	userName string
	userPass string
	sshKey   string
	usbDHCP  string // "", "true", "false"
	wifiSSID string
	wifiPass string
}

func (c customizeFlags) toCustomization() *sdwriter.Customization {
	if c == (customizeFlags{}) {
		return nil
	}
	cust := &sdwriter.Customization{
		Hostname:       c.hostname,
		Timezone:       c.timezone,
		Keymap:         c.keymap,
		UserName:       c.userName,
		UserPassword:   c.userPass,
		SSHKey:         c.sshKey,
		WifiSSID:       c.wifiSSID,
		WifiPassphrase: c.wifiPass,
	}
	if c.usbDHCP != "" {
		v := c.usbDHCP == "true"
		cust.USBDHCPEnable = &v
	}
	return cust
}

func registerCustomizeFlags(fs *flag.FlagSet, c *customizeFlags) {
	fs.StringVar(&c.hostname, "hostname", "", "hostname to write to sysconf.txt")
	fs.StringVar(&c.timezone, "timezone", "", "timezone to write to sysconf.txt")
	fs.StringVar(&c.keymap, "keymap", "", "keymap to write to sysconf.txt")
	fs.StringVar(&c.userName, "user", "", "non-root username to create")
	fs.StringVar(&c.userPass, "password", "", "password for -user")
	fs.StringVar(&c.sshKey, "ssh-key", "", "authorized_keys entry to install")
	fs.StringVar(&c.usbDHCP, "usb-dhcp", "", "enable/disable the USB gadget DHCP server: true|false")
	fs.StringVar(&c.wifiSSID, "wifi-ssid", "", "Wi-Fi SSID to configure")
	fs.StringVar(&c.wifiPass, "wifi-pass", "", "Wi-Fi passphrase to configure")
}

// dfuImageFlag accumulates repeated -dfu-image name=path pairs.
type dfuImageFlag []flasher.DFUImage

func (d *dfuImageFlag) String() string { return fmt.Sprint([]flasher.DFUImage(*d)) }

func (d *dfuImageFlag) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected -dfu-image name=path, got %q", v)
	}
	ref := flasher.ImageRef{}
	if isURL(path) {
		ref.URL = path
	} else {
		ref.LocalPath = path
	}
	*d = append(*d, flasher.DFUImage{InterfaceName: name, Ref: ref})
	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func parseFlashFlags(args []string) (*flashFlags, error) {
	f := &flashFlags{}
	fs := flag.NewFlagSet("flash", flag.ExitOnError)
	fs.StringVar(&f.target, "target", "", "sd|cc1352p7|msp430|mspm0|dfu")
	fs.StringVar(&f.image, "image", "", "local path or URL of the firmware/OS image")
	fs.StringVar(&f.dest, "dest", "", "destination device path (sd) or serial port (cc1352p7)")
	fs.StringVar(&f.bmap, "bmap", "", "bmap file path (sd only)")
	fs.BoolVar(&f.serve, "serve", false, "run through a background bbflash-agent instead of in-process")
	fs.BoolVar(&f.tui, "tui", false, "render an interactive progress bar")
	fs.BoolVar(&f.verify, "verify", false, "read back and verify after writing (cc1352p7)")
	fs.StringVar(&f.sysfsRoot, "sysfs-root", "", "mspm0 firmware_upload sysfs root")
	fs.StringVar(&f.eepromPath, "eeprom-path", "", "mspm0 shared eeprom sysfs path")
	fs.BoolVar(&f.preserveEEPROM, "preserve-eeprom", false, "snapshot/restore the shared eeprom across an mspm0 flash")
	fs.IntVar(&f.dfuBus, "dfu-bus", 0, "dfu target USB bus number")
	fs.IntVar(&f.dfuPort, "dfu-port-num", 0, "dfu target USB port number")
	fs.UintVar(&f.dfuVendor, "dfu-vendor", 0, "dfu target USB vendor id")
	fs.UintVar(&f.dfuProduct, "dfu-product", 0, "dfu target USB product id")
	fs.Var(&f.dfuImages, "dfu-image", "repeatable interface-name=path pair (dfu only)")
	registerCustomizeFlags(fs, &f.customize)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.target == "" {
		return nil, fmt.Errorf("-target is required")
	}
	return f, nil
}

func runFlash(args []string) error {
	f, err := parseFlashFlags(args)
	if err != nil {
		return err
	}

	if f.serve {
		return runFlashViaAgent(f)
	}
	return runFlashInProcess(f)
}

func ref(path string) flasher.ImageRef {
	if isURL(path) {
		return flasher.ImageRef{URL: path}
	}
	return flasher.ImageRef{LocalPath: path}
}

func runFlashInProcess(f *flashFlags) error {
	cfg := config.Load()
	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return err
	}
	orch := flasher.New(c)

	events := make(chan flasher.Event, 16)
	result := make(chan error, 1)

	go func() {
		progress := func(e flasher.Event) {
			select {
			case events <- e:
			default:
			}
		}
		result <- dispatchFlash(context.Background(), orch, f, progress)
		close(events)
	}()

	if f.tui {
		return cliui.Run(f.target, events, result)
	}
	for e := range events {
		fmt.Printf("%s: %.0f%%\n", eventLabel(e), e.Fraction*100)
	}
	return <-result
}

func dispatchFlash(ctx context.Context, orch *flasher.Orchestrator, f *flashFlags, progress flasher.ProgressFunc) error {
	switch f.target {
	case "sd":
		var bmap *sdwriter.Bmap
		if f.bmap != "" {
			data, err := os.ReadFile(f.bmap)
			if err != nil {
				return err
			}
			bmap, err = sdwriter.ParseBmap(data)
			if err != nil {
				return err
			}
		}
		writer := sdwriter.New(nil, sdwriter.Config{RingBufferSize: config.Load().RingBufferSize, RingBufferCount: config.Load().RingBufferCount})
		return orch.FlashSD(ctx, ref(f.image), f.dest, bmap, f.customize.toCustomization(), writer, progress)
	case "cc1352p7":
		return orch.FlashCC1352P7(ctx, ref(f.image), f.dest, f.verify, progress)
	case "msp430":
		return orch.FlashMSP430(ctx, ref(f.image), progress)
	case "mspm0":
		opts := mspm0.Options{SysfsRoot: f.sysfsRoot, EEPROMPath: f.eepromPath, PreserveEEPROM: f.preserveEEPROM}
		return orch.FlashMSPM0(ctx, ref(f.image), opts, progress)
	case "dfu":
		tgt := dfu.Target{BusNum: f.dfuBus, PortNum: f.dfuPort, VendorID: uint16(f.dfuVendor), ProductID: uint16(f.dfuProduct)}
		return orch.FlashDFU(ctx, tgt, f.dfuImages, progress)
	default:
		return fmt.Errorf("unknown target %q", f.target)
	}
}

func eventLabel(e flasher.Event) string {
	switch e.Kind {
	case flasher.Preparing:
		return "preparing"
	case flasher.Downloading:
		return "downloading"
	case flasher.Flashing:
		return "flashing"
	case flasher.Verifying:
		return "verifying"
	case flasher.VerifyingProgress:
		return "verifying"
	case flasher.Customizing:
		return "customizing"
	default:
		return "?"
	}
}

// runFormat treats a format as an otherwise-ordinary sd flash of a
// zero-length image: the writer's dense path accepts that as a no-op and
// runs straight to the customization pass, so `format` is just `flash
// -target sd` with no image and the same customization flags.
func runFormat(args []string) error {
	var dest string
	c := customizeFlags{}
	fs := flag.NewFlagSet("format", flag.ExitOnError)
	fs.StringVar(&dest, "dest", "", "destination device path")
	registerCustomizeFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if dest == "" {
		return fmt.Errorf("-dest is required")
	}

	empty, err := os.CreateTemp("", "bbflash-format-*.img")
	if err != nil {
		return err
	}
	emptyPath := empty.Name()
	empty.Close()
	defer os.Remove(emptyPath)

	cfg := config.Load()
	cacheInst, err := cache.New(cfg.CacheDir)
	if err != nil {
		return err
	}
	orch := flasher.New(cacheInst)
	writer := sdwriter.New(nil, sdwriter.Config{RingBufferSize: cfg.RingBufferSize, RingBufferCount: cfg.RingBufferCount})

	return orch.FlashSD(context.Background(), flasher.ImageRef{LocalPath: emptyPath}, dest, nil, c.toCustomization(), writer, func(e flasher.Event) {
		fmt.Println(eventLabel(e))
	})
}

func runListDestinations(args []string) error {
	fs := flag.NewFlagSet("list-destinations", flag.ExitOnError)
	target := fs.String("target", "sd", "target kind (only sd uses the drive enumerator)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target != "sd" {
		return fmt.Errorf("list-destinations only supports -target sd")
	}

	drives, err := (drivelist.GopsutilLister{}).List(context.Background())
	if err != nil {
		return err
	}
	for _, d := range drivelist.Removable(drives) {
		fmt.Printf("%s\t%d bytes\t%s\n", d.Path, d.SizeBytes, strings.Join(d.Mountpoints, ","))
	}
	return nil
}

// --- -serve path: discover or spawn bbflash-agent, submit, poll ---

func runFlashViaAgent(f *flashFlags) error {
	cfg := config.Load()
	logger, err := logging.New(&logging.Config{Level: cfg.LogLevel})
	if err != nil {
		return err
	}

	port, err := ensureAgent(cfg, logger)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	id, err := submitFlash(base, f)
	if err != nil {
		return err
	}
	logger.Infof("submitted flash %s to bbflash-agent", id)

	for {
		rec, err := pollFlash(base, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %.0f%%\n", rec["kind"], rec["fraction"].(float64)*100)
		if done, _ := rec["done"].(bool); done {
			if errMsg, ok := rec["error"].(string); ok && errMsg != "" {
				return fmt.Errorf("%s", errMsg)
			}
			return nil
		}
		time.Sleep(300 * time.Millisecond)
	}
}

// ensureAgent returns an already-running agent's port (from the port file,
// health-checked) or spawns a fresh bbflash-agent and waits for it to
// publish one, mirroring cmd/cli's startHasherHost.
func ensureAgent(cfg *config.Config, logger *logging.Logger) (int, error) {
	if port, ok := readLiveAgentPort(cfg); ok {
		return port, nil
	}

	binPath, err := exec.LookPath("bbflash-agent")
	if err != nil {
		return 0, fmt.Errorf("bbflash-agent not found on PATH: %w", err)
	}
	cmd := exec.Command(binPath)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start bbflash-agent: %w", err)
	}
	logger.Infof("started bbflash-agent pid %d", cmd.Process.Pid)

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if port, ok := readLiveAgentPort(cfg); ok {
			return port, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return 0, fmt.Errorf("bbflash-agent did not become ready within 30s")
}

func readLiveAgentPort(cfg *config.Config) (int, bool) {
	data, err := os.ReadFile(cfg.PortFilePath())
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	return port, resp.StatusCode == http.StatusOK
}

func submitFlash(base string, f *flashFlags) (string, error) {
	body := map[string]any{
		"target": f.target,
		"image":  f.image,
		"dest":   f.dest,
		"bmap":   f.bmap,
		"verify": f.verify,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	resp, err := http.Post(base+"/flashes", "application/json", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent returned %s", resp.Status)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func pollFlash(base, id string) (map[string]any, error) {
	resp, err := http.Get(base + "/flashes/" + id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rec map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

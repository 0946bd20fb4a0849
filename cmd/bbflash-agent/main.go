// Command bbflash-agent is the background HTTP status/progress API (spec
// §6 "Background agent HTTP API"): a long-lived process that runs flashes
// asynchronously and lets bbflash-cli (or any other collaborator) poll
// their progress, started on demand and discovered through a port file the
// same way the teacher's cmd/driver/hasher-host publishes
// /tmp/hasher-host.port for cmd/cli to find.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/beagleboard/bbflash/internal/cache"
	"github.com/beagleboard/bbflash/internal/config"
	"github.com/beagleboard/bbflash/internal/dfu"
	"github.com/beagleboard/bbflash/internal/flasher"
	"github.com/beagleboard/bbflash/internal/logging"
	"github.com/beagleboard/bbflash/internal/mspm0"
	"github.com/beagleboard/bbflash/internal/sdwriter"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(&logging.Config{Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		logger.Errorf("init cache: %v", err)
		os.Exit(1)
	}

	store := newJobStore()
	orch := flasher.New(c)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/flashes", func(ctx *gin.Context) { handleCreateFlash(ctx, store, orch) })
	router.GET("/flashes/:id", func(ctx *gin.Context) { handleGetFlash(ctx, store) })
	router.POST("/flashes/:id/cancel", func(ctx *gin.Context) { handleCancelFlash(ctx, store) })

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.AgentPort))
	if err != nil {
		logger.Errorf("listen: %v", err)
		os.Exit(1)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := writePortFile(cfg.PortFilePath(), port); err != nil {
		logger.Errorf("write port file: %v", err)
		os.Exit(1)
	}
	defer cleanupPortFile(cfg.PortFilePath())

	srv := &http.Server{Handler: router}
	go func() {
		logger.Infof("bbflash-agent listening on :%d (port file %s)", port, cfg.PortFilePath())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("shutting down")
	cleanupPortFile(cfg.PortFilePath())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

func writePortFile(path string, port int) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", port)), 0o644)
}

func cleanupPortFile(path string) {
	_ = os.Remove(path)
}

// job tracks one asynchronous flash's terminal state and latest progress
// event, keyed by a server-assigned id.
type job struct {
	mu     sync.Mutex
	id     string
	target string
	event  flasher.Event
	done   bool
	err    error
	cancel context.CancelFunc
}

func (j *job) record() gin.H {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := gin.H{
		"id":       j.id,
		"target":   j.target,
		"kind":     eventKindName(j.event.Kind),
		"fraction": j.event.Fraction,
		"done":     j.done,
	}
	if j.err != nil {
		rec["error"] = j.err.Error()
	}
	return rec
}

func (j *job) setEvent(e flasher.Event) {
	j.mu.Lock()
	j.event = e
	j.mu.Unlock()
}

func (j *job) finish(err error) {
	j.mu.Lock()
	j.done = true
	j.err = err
	j.mu.Unlock()
}

func eventKindName(k flasher.EventKind) string {
	switch k {
	case flasher.Preparing:
		return "preparing"
	case flasher.Downloading:
		return "downloading"
	case flasher.Flashing:
		return "flashing"
	case flasher.Verifying:
		return "verifying"
	case flasher.VerifyingProgress:
		return "verifying_progress"
	case flasher.Customizing:
		return "customizing"
	default:
		return "unknown"
	}
}

// jobStore is the in-memory ProgressRecord table bbflash-cli polls through
// GET /flashes/:id; it holds no state across process restarts, matching the
// teacher's own in-process (non-persisted) Orchestrator state.
type jobStore struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newJobStore() *jobStore {
	return &jobStore{jobs: map[string]*job{}}
}

func (s *jobStore) add(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.id] = j
}

func (s *jobStore) get(id string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// customizationRequest mirrors sdwriter.Customization over the wire.
type customizationRequest struct {
	Hostname       string `json:"hostname,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	Keymap         string `json:"keymap,omitempty"`
	UserName       string `json:"user_name,omitempty"`
	UserPassword   string `json:"user_password,omitempty"`
	SSHKey         string `json:"ssh_key,omitempty"`
	USBDHCPEnable  *bool  `json:"usb_dhcp_enable,omitempty"`
	WifiSSID       string `json:"wifi_ssid,omitempty"`
	WifiPassphrase string `json:"wifi_passphrase,omitempty"`
}

func (r *customizationRequest) toCustomization() *sdwriter.Customization {
	if r == nil {
		return nil
	}
	return &sdwriter.Customization{
		Hostname:       r.Hostname,
		Timezone:       r.Timezone,
		Keymap:         r.Keymap,
		UserName:       r.UserName,
		UserPassword:   r.UserPassword,
		SSHKey:         r.SSHKey,
		USBDHCPEnable:  r.USBDHCPEnable,
		WifiSSID:       r.WifiSSID,
		WifiPassphrase: r.WifiPassphrase,
	}
}

// dfuImageRequest names one DFU interface/image pair (spec §4.8).
type dfuImageRequest struct {
	InterfaceName string `json:"interface_name"`
	Image         string `json:"image"`
}

// flashRequest is the POST /flashes body (spec §6): exactly one of Dest
// (sd/cc1352p7 serial port) or the DFUBusNum/DFUPortNum/DFUVendorID/
// DFUProductID/DFUImages group is meaningful, depending on Target.
type flashRequest struct {
	Target         string                `json:"target"`
	Image          string                `json:"image"`
	Dest           string                `json:"dest"`
	Bmap           string                `json:"bmap,omitempty"`
	Verify         bool                  `json:"verify,omitempty"`
	Customization  *customizationRequest `json:"customization,omitempty"`
	SysfsRoot      string                `json:"sysfs_root,omitempty"`
	EEPROMPath     string                `json:"eeprom_path,omitempty"`
	PreserveEEPROM bool                  `json:"preserve_eeprom,omitempty"`
	DFUBusNum      int                   `json:"dfu_bus_num,omitempty"`
	DFUPortNum     int                   `json:"dfu_port_num,omitempty"`
	DFUVendorID    uint16                `json:"dfu_vendor_id,omitempty"`
	DFUProductID   uint16                `json:"dfu_product_id,omitempty"`
	DFUImages      []dfuImageRequest     `json:"dfu_images,omitempty"`
}

func handleCreateFlash(ctx *gin.Context, store *jobStore, orch *flasher.Orchestrator) {
	var req flashRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	j := &job{id: uuid.NewString(), target: req.Target}
	runCtx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	store.add(j)

	go func() {
		err := runFlash(runCtx, orch, req, j.setEvent)
		j.finish(err)
	}()

	ctx.JSON(http.StatusOK, gin.H{"id": j.id})
}

func runFlash(ctx context.Context, orch *flasher.Orchestrator, req flashRequest, progress flasher.ProgressFunc) error {
	ref := flasher.ImageRef{TotalSize: 0}
	if req.Image != "" {
		if isURL(req.Image) {
			ref.URL = req.Image
		} else {
			ref.LocalPath = req.Image
		}
	}

	switch req.Target {
	case "sd":
		var bmap *sdwriter.Bmap
		if req.Bmap != "" {
			data, err := os.ReadFile(req.Bmap)
			if err != nil {
				return err
			}
			bmap, err = sdwriter.ParseBmap(data)
			if err != nil {
				return err
			}
		}
		writer := sdwriter.New(nil, sdwriter.Config{})
		return orch.FlashSD(ctx, ref, req.Dest, bmap, req.Customization.toCustomization(), writer, progress)
	case "cc1352p7":
		return orch.FlashCC1352P7(ctx, ref, req.Dest, req.Verify, progress)
	case "msp430":
		return orch.FlashMSP430(ctx, ref, progress)
	case "mspm0":
		opts := mspm0.Options{SysfsRoot: req.SysfsRoot, EEPROMPath: req.EEPROMPath, PreserveEEPROM: req.PreserveEEPROM}
		return orch.FlashMSPM0(ctx, ref, opts, progress)
	case "dfu":
		tgt := dfu.Target{BusNum: req.DFUBusNum, PortNum: req.DFUPortNum, VendorID: req.DFUVendorID, ProductID: req.DFUProductID}
		images := make([]flasher.DFUImage, 0, len(req.DFUImages))
		for _, img := range req.DFUImages {
			imgRef := flasher.ImageRef{}
			if isURL(img.Image) {
				imgRef.URL = img.Image
			} else {
				imgRef.LocalPath = img.Image
			}
			images = append(images, flasher.DFUImage{InterfaceName: img.InterfaceName, Ref: imgRef})
		}
		return orch.FlashDFU(ctx, tgt, images, progress)
	default:
		return fmt.Errorf("unknown target %q", req.Target)
	}
}

func isURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}

func handleGetFlash(ctx *gin.Context, store *jobStore) {
	j, ok := store.get(ctx.Param("id"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "no such flash"})
		return
	}
	ctx.JSON(http.StatusOK, j.record())
}

func handleCancelFlash(ctx *gin.Context, store *jobStore) {
	j, ok := store.get(ctx.Param("id"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "no such flash"})
		return
	}
	j.cancel()
	ctx.JSON(http.StatusOK, gin.H{"status": "cancel requested"})
}

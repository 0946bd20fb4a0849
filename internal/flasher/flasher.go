// Package flasher is the flash orchestrator (spec component C10): it
// unifies every target driver (sdwriter, cc1352, msp430, mspm0, dfu) behind
// image resolution (local path or download-while-flash remote URL) and a
// single progress-event union, and guarantees the device handle, temp
// files, and progress channel are released on every exit path. The
// progress/status fan-in shape is grounded on the teacher's
// cmd/driver/hasher-host Orchestrator, which fans inference results and
// health state out to a single API surface the same way this fans driver
// progress out to one event union.
package flasher

import (
	"context"
	"io"

	"github.com/beagleboard/bbflash/internal/bbferr"
	"github.com/beagleboard/bbflash/internal/cache"
	"github.com/beagleboard/bbflash/internal/cc1352"
	"github.com/beagleboard/bbflash/internal/dfu"
	"github.com/beagleboard/bbflash/internal/fwimage"
	"github.com/beagleboard/bbflash/internal/imgsrc"
	"github.com/beagleboard/bbflash/internal/msp430"
	"github.com/beagleboard/bbflash/internal/mspm0"
	"github.com/beagleboard/bbflash/internal/sdwriter"
)

const component = "flasher"

// EventKind tags a progress event (spec §3): every driver's own progress
// union is adapted into this one before reaching the caller's sink.
type EventKind int

const (
	Preparing EventKind = iota
	Downloading
	Flashing
	Verifying
	VerifyingProgress
	Customizing
)

// Event is one progress notification; Fraction is meaningful only for
// Downloading/Flashing/VerifyingProgress.
type Event struct {
	Kind     EventKind
	Fraction float64
}

// ProgressFunc receives progress events via non-blocking try-send
// semantics; the caller may drop events under backpressure (spec §5).
type ProgressFunc func(Event)

func emit(p ProgressFunc, e Event) {
	if p != nil {
		p(e)
	}
}

// ImageRef is a resolvable image reference: exactly one of LocalPath or URL
// is set. TotalSize is required for a remote ref whose content-length the
// caller already knows (e.g. from a board catalog entry); it seeds the
// image descriptor's total_size since a piped stream has no local footer.
type ImageRef struct {
	LocalPath string
	URL       string
	SHA256    []byte // optional; enables DownloadVerified-equivalent checking
	TotalSize uint64
}

// Orchestrator wires the image pipeline (C2/C3) to each target driver.
// Cache may be nil if only local ImageRefs are ever used.
type Orchestrator struct {
	Cache *cache.Cache
}

// New builds an Orchestrator backed by c (nil is valid for local-only use).
func New(c *cache.Cache) *Orchestrator {
	return &Orchestrator{Cache: c}
}

// openImage resolves ref into a readable, sized image source. For a remote
// URL it downloads through a file-backed PipeStream (spec §4.10) so the
// network producer and whatever consumes src.Reader overlap instead of
// buffering the whole image. The returned finish func must be called
// after the caller is done reading src; it surfaces any download error and
// releases the pipe's backing file.
func (o *Orchestrator) openImage(ctx context.Context, ref ImageRef, progress ProgressFunc) (src *imgsrc.Source, finish func() error, err error) {
	if ref.LocalPath != "" {
		src, err := imgsrc.OpenFile(ref.LocalPath)
		if err != nil {
			return nil, nil, err
		}
		return src, func() error { return nil }, nil
	}

	if ref.URL == "" {
		return nil, nil, bbferr.New(component, bbferr.InvalidImage, "image reference has neither a local path nor a url")
	}
	if o.Cache == nil {
		return nil, nil, bbferr.New(component, bbferr.Io, "remote image reference requires a cache")
	}

	ps, err := imgsrc.NewPipeStream()
	if err != nil {
		return nil, nil, err
	}

	downloadErr := make(chan error, 1)
	go func() {
		err := o.Cache.DownloadToStream(ctx, ref.URL, ref.SHA256, ps, func(p cache.Progress) {
			emit(progress, Event{Kind: Downloading, Fraction: p.Fraction})
		})
		ps.CloseProducer()
		downloadErr <- err
	}()

	piped, err := imgsrc.OpenPiped(ps.NewReader(), ref.TotalSize)
	if err != nil {
		ps.Close()
		<-downloadErr
		return nil, nil, err
	}

	finish = func() error {
		err := <-downloadErr
		ps.Close()
		return err
	}
	return piped, finish, nil
}

func closeOf(src *imgsrc.Source) func() {
	return func() { _ = src.Close() }
}

// adaptSDEvent maps sdwriter's own progress union 1:1 onto the shared
// Event type (both follow spec §3 directly, so the mapping is an identity
// on Kind).
func adaptSDEvent(progress ProgressFunc) sdwriter.ProgressFunc {
	if progress == nil {
		return nil
	}
	return func(e sdwriter.Event) {
		var kind EventKind
		switch e.Kind {
		case sdwriter.Preparing:
			kind = Preparing
		case sdwriter.Downloading:
			kind = Downloading
		case sdwriter.Flashing:
			kind = Flashing
		case sdwriter.Verifying:
			kind = Verifying
		case sdwriter.VerifyingProgress:
			kind = VerifyingProgress
		case sdwriter.Customizing:
			kind = Customizing
		}
		progress(Event{Kind: kind, Fraction: e.Fraction})
	}
}

// FlashSD resolves ref and writes it to dest through writer, optionally
// sparse via bmap and followed by the sysconf customization pass (spec
// §4.4). writer is caller-owned so tests can inject a fake Opener.
func (o *Orchestrator) FlashSD(ctx context.Context, ref ImageRef, dest string, bmap *sdwriter.Bmap, customization *sdwriter.Customization, writer *sdwriter.Writer, progress ProgressFunc) error {
	if err := customization.Validate(); err != nil {
		return err
	}

	emit(progress, Event{Kind: Preparing})
	src, finish, err := o.openImage(ctx, ref, progress)
	if err != nil {
		return err
	}
	defer closeOf(src)()

	req := sdwriter.Request{
		DestinationPath: dest,
		Image:           src.Reader,
		ImageSize:       src.TotalSize,
		Bmap:            bmap,
		Customization:   customization,
	}
	flashErr := writer.Flash(ctx, req, adaptSDEvent(progress))
	if dlErr := finish(); flashErr == nil {
		flashErr = dlErr
	}
	return flashErr
}

// readWholeImage resolves ref and reads it fully into memory; used by the
// bootloader drivers, whose images are at most hundreds of KiB.
func (o *Orchestrator) readWholeImage(ctx context.Context, ref ImageRef, progress ProgressFunc) ([]byte, error) {
	src, finish, err := o.openImage(ctx, ref, progress)
	if err != nil {
		return nil, err
	}
	defer closeOf(src)()

	blob, err := io.ReadAll(src.Reader)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.Io, "read image", err)
	}
	if dlErr := finish(); dlErr != nil {
		return nil, dlErr
	}
	return blob, nil
}

// FlashCC1352P7 resolves ref, parses it as a firmware image, and runs the
// CC1352P7 bootloader procedure over portName (spec §4.5).
func (o *Orchestrator) FlashCC1352P7(ctx context.Context, ref ImageRef, portName string, verify bool, progress ProgressFunc) error {
	emit(progress, Event{Kind: Preparing})
	blob, err := o.readWholeImage(ctx, ref, progress)
	if err != nil {
		return err
	}
	img, err := fwimage.Parse(blob, fwimage.ParseOptions{SplitGaps: true})
	if err != nil {
		return bbferr.Wrap(component, bbferr.InvalidImage, "parse cc1352p7 image", err)
	}

	client, err := cc1352.Open(ctx, portName)
	if err != nil {
		return err
	}
	defer client.Close()

	return cc1352.Flash(ctx, client, img, cc1352.Options{PortName: portName, Verify: verify}, func(f float64) {
		emit(progress, Event{Kind: Flashing, Fraction: f})
	})
}

// FlashMSP430 resolves ref, parses it as a firmware image, and runs the
// MSP430 USB BSL procedure (spec §4.6).
func (o *Orchestrator) FlashMSP430(ctx context.Context, ref ImageRef, progress ProgressFunc) error {
	emit(progress, Event{Kind: Preparing})
	blob, err := o.readWholeImage(ctx, ref, progress)
	if err != nil {
		return err
	}
	img, err := fwimage.Parse(blob, fwimage.ParseOptions{SplitGaps: true})
	if err != nil {
		return bbferr.Wrap(component, bbferr.InvalidImage, "parse msp430 image", err)
	}
	if err := ctx.Err(); err != nil {
		return bbferr.Wrap(component, bbferr.Aborted, "msp430 flash cancelled", err)
	}

	return msp430.Flash(img, func(f float64) {
		emit(progress, Event{Kind: Flashing, Fraction: f})
	})
}

// FlashMSPM0 resolves ref and runs the PocketBeagle-2 MSPM0 sysfs
// firmware_upload loop (spec §4.7).
func (o *Orchestrator) FlashMSPM0(ctx context.Context, ref ImageRef, opts mspm0.Options, progress ProgressFunc) error {
	emit(progress, Event{Kind: Preparing})
	blob, err := o.readWholeImage(ctx, ref, progress)
	if err != nil {
		return err
	}

	return mspm0.Flash(ctx, blob, opts, func(phase mspm0.Phase, fraction float64) {
		switch phase {
		case mspm0.Preparing:
			emit(progress, Event{Kind: Preparing})
		case mspm0.Transferring:
			emit(progress, Event{Kind: Flashing, Fraction: fraction})
		case mspm0.Verifying:
			emit(progress, Event{Kind: Verifying})
		}
	})
}

// DFUImage is one named DFU interface's image reference.
type DFUImage struct {
	InterfaceName string
	Ref           ImageRef
}

// FlashDFU resolves each image in sequence and downloads it to its named
// interface on tgt (spec §4.8).
func (o *Orchestrator) FlashDFU(ctx context.Context, tgt dfu.Target, images []DFUImage, progress ProgressFunc) error {
	emit(progress, Event{Kind: Preparing})

	resolved := make([]dfu.Image, 0, len(images))
	for _, img := range images {
		blob, err := o.readWholeImage(ctx, img.Ref, nil)
		if err != nil {
			return err
		}
		resolved = append(resolved, dfu.Image{InterfaceName: img.InterfaceName, Data: blob})
	}

	return dfu.Flash(ctx, tgt, resolved, func(f float64) {
		emit(progress, Event{Kind: Flashing, Fraction: f})
	})
}

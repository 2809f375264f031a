package daemon

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"pngfs/internal/imagecodec"
	"pngfs/internal/storage"
	"pngfs/internal/vfs"
)

func init() {
	// Default logging to discard until explicitly enabled via log_level
	log.SetOutput(io.Discard)
}

// MountFunc attaches a filesystem to the kernel
type MountFunc func(fs *vfs.PngFS, cfg *MountConfig) (MountServer, error)

// Daemon serves one image at one mountpoint until it is told to stop
type Daemon struct {
	cfg     *MountConfig
	codec   storage.ImageCodec
	mount   MountFunc
	logFile *os.File

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a daemon for cfg using the PNG codec and a FUSE mount
func New(cfg *MountConfig) *Daemon {
	return &Daemon{
		cfg:   cfg,
		codec: imagecodec.New(),
		mount: func(fs *vfs.PngFS, cfg *MountConfig) (MountServer, error) {
			return MountFUSE(fs, cfg)
		},
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Ready is closed once the filesystem is mounted
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Stop asks Run to unmount and return
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Run mounts the image and blocks until a signal, Stop, or an external
// unmount. On the way out the table is repaired and written to the image.
func (d *Daemon) Run() error {
	if err := Validate(d.cfg); err != nil {
		return err
	}
	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLog()

	// One mount per image
	unlock, err := lockImage(d.cfg.Image)
	if err != nil {
		return err
	}
	defer unlock()

	bridge := storage.NewBridge(d.codec, d.cfg.Image)
	fs := vfs.New(bridge, d.cfg.FSOptions())

	server, err := d.mount(fs, d.cfg)
	if err != nil {
		return err
	}
	log.Infof("[Daemon] serving %s at %s (PID %d)", d.cfg.Image, d.cfg.Mountpoint, os.Getpid())
	close(d.ready)

	serverDone := make(chan struct{})
	go func() {
		server.Wait()
		close(serverDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Infof("[Daemon] received signal %v, shutting down", sig)
	case <-d.stopCh:
		log.Infof("[Daemon] stop requested, shutting down")
	case <-serverDone:
		log.Infof("[Daemon] %s was unmounted externally", d.cfg.Mountpoint)
	}

	select {
	case <-serverDone:
	default:
		if err := server.Unmount(); err != nil {
			log.Errorf("[Daemon] %v", err)
		}
	}

	if err := fs.Close(); err != nil {
		return fmt.Errorf("final save of %s: %w", d.cfg.Image, err)
	}
	log.Infof("[Daemon] saved %s", d.cfg.Image)
	return nil
}

// lockImage takes the exclusive lock that guards image against a second
// mount or a concurrent import
func lockImage(image string) (func(), error) {
	lock := flock.New(LockPath(image))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("image %s is in use by another pngfs process", image)
	}
	return func() {
		lock.Unlock()
	}, nil
}

// setupLogging points logrus at the configured file (or stderr) and level
func (d *Daemon) setupLogging() error {
	if !d.cfg.LoggingEnabled() {
		log.SetOutput(io.Discard)
		return nil
	}

	var out io.Writer = os.Stderr
	if d.cfg.LogFile != "" {
		logFile, err := os.OpenFile(d.cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		d.logFile = logFile
		out = logFile
	}
	log.SetOutput(out)
	log.SetLevel(parseLevel(d.cfg.Level()))
	return nil
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		log.SetOutput(io.Discard)
		d.logFile.Close()
		d.logFile = nil
	}
}

func parseLevel(level string) log.Level {
	switch level {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

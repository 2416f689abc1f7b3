// Command lg-inspect opens a Looking-Glass-style shared memory region and
// reports the host handshake, then streams frame/cursor activity until
// interrupted. It is a debugging aid, not a production viewer: frames are
// discarded after being counted, not rendered.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	glass "github.com/gnif/LookingGlass-sub002"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/logging"
)

func main() {
	var (
		path    = flag.String("path", "/dev/shm/looking-glass", "path to the shared memory file or kvmfr device")
		kvmfr   = flag.Bool("kvmfr", false, "treat -path as a kvmfr character device instead of a plain file")
		size    = flag.Int64("size", 64<<20, "region size in bytes, for -path files that are not kvmfr devices")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	region, err := openRegion(*path, *kvmfr, *size)
	if err != nil {
		log.Fatalf("lg-inspect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("waiting for host session", "path", *path)
	client, err := glass.Open(ctx, region, glass.Options{
		Logger:             logger,
		Renderer:           glass.NewMockRenderer(),
		Display:            glass.NewMockDisplayServer(),
		SessionWaitTimeout: 30 * time.Second,
	})
	if err != nil {
		log.Fatalf("lg-inspect: opening session: %v", err)
	}
	defer client.Shutdown(context.Background())

	logger.Info("session established, waiting for first frame")
	select {
	case <-client.FirstFrameDelivered():
		logger.Info("first frame delivered")
	case <-time.After(10 * time.Second):
		logger.Warn("no frame delivered within 10s, host may be idle")
	case <-ctx.Done():
		return
	}

	fmt.Println("press Ctrl+C to stop, statistics print every second")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nshutting down")
			return
		case <-ticker.C:
			snap := client.Metrics().Snapshot()
			fmt.Printf("frames=%d dropped=%d fps=%.1f truncations=%d restarts=%d state=%s\n",
				snap.FramesDelivered, snap.FramesDropped, snap.FPS, snap.Truncations, snap.SessionRestarts, client.State())
			if !client.IsRunning() {
				fmt.Println("client stopped")
				return
			}
		}
	}
}

func openRegion(path string, kvmfr bool, size int64) (interfaces.Region, error) {
	if kvmfr {
		return glass.OpenKVMFRRegion(path)
	}
	return glass.OpenFileRegion(path, size)
}

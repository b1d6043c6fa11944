package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/famish99/voralay/internal/config"
	"github.com/famish99/voralay/internal/device"
	"github.com/famish99/voralay/internal/engine"
	"github.com/famish99/voralay/internal/media"
	"github.com/famish99/voralay/internal/metrics"
	"github.com/famish99/voralay/internal/readerpool"
)

var (
	configPath  = flag.String("config", getDefaultConfigPath(), "Path to configuration file")
	speed       = flag.Float64("speed", 1.0, "Signed playback speed")
	seek        = flag.Float64("seek", 0, "Start position in seconds")
	volume      = flag.Float64("volume", 1.0, "Playback volume applied to every source")
	probeOnly   = flag.Bool("probe", false, "Probe the given files and exit")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9091)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file1> [file2] ...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Play a file at half speed from 10s in\n")
		fmt.Fprintf(os.Stderr, "  %s --speed 0.5 --seek 10 take.wav\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n  # Mix several takes together\n")
		fmt.Fprintf(os.Stderr, "  %s dialog.wav music.mp3 ambience.ogg\n", os.Args[0])
		os.Exit(1)
	}

	if *probeOnly {
		runProbe(paths)
		return
	}

	if *metricsAddr != "" {
		metrics.Register(prometheus.DefaultRegisterer)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("Metrics server: %v", err)
			}
		}()
		log.Printf("Serving metrics on %s/metrics", *metricsAddr)
	}

	pool := readerpool.NewPool(media.NewFileEngine(cfg.Readers.PrefetchFrames), cfg.Readers.MaxReaders)
	defer pool.Close()

	ctrl := engine.NewController(cfg, pool, device.OpenSDL)
	if err := ctrl.InitSession(cfg.Device.SampleRate, cfg.Device.Channels); err != nil {
		log.Fatalf("Failed to initialize session: %v", err)
	}
	defer ctrl.ShutdownSession()

	sources, err := buildSources(pool, paths, *volume)
	if err != nil {
		log.Fatalf("Failed to open sources: %v", err)
	}
	if err := ctrl.SetAudioSources(sources); err != nil {
		log.Fatalf("Failed to configure sources: %v", err)
	}

	if *seek > 0 {
		if err := ctrl.Seek(*seek); err != nil {
			log.Fatalf("Failed to seek: %v", err)
		}
	}
	if *speed != 1.0 {
		if err := ctrl.SetSpeed(*speed); err != nil {
			log.Fatalf("Failed to set speed: %v", err)
		}
	}

	log.Printf("Starting playback of %d source(s) at %.2fx...", len(sources), *speed)
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start playback: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t, err := ctrl.GetTime()
			if err != nil {
				log.Printf("Clock error: %v", err)
				continue
			}
			fmt.Printf("\rt=%8.3fs", t)
			if ctrl.MaxTime() > 0 && t >= ctrl.MaxTime() {
				fmt.Println()
				log.Printf("Reached end of material")
				ctrl.Stop()
				return
			}
		case <-sigChan:
			fmt.Println()
			log.Printf("Shutting down...")
			if err := ctrl.Stop(); err != nil {
				log.Printf("Error stopping playback: %v", err)
			}
			return
		}
	}
}

// buildSources probes each path and lays the sources over each other on the
// playback timeline, each spanning its full duration from zero
func buildSources(pool *readerpool.Pool, paths []string, volume float64) ([]engine.Source, error) {
	sources := make([]engine.Source, 0, len(paths))
	for _, path := range paths {
		info, err := pool.AssetInfo(path)
		if err != nil {
			return nil, err
		}
		if !info.HasAudio {
			log.Printf("Skipping %s: no audio stream", path)
			continue
		}
		dur := info.Duration
		if dur <= 0 {
			return nil, fmt.Errorf("%s: unknown duration", path)
		}
		sources = append(sources, engine.Source{
			Path:     path,
			Offset:   0,
			Volume:   volume,
			Duration: dur,
			ClipEnd:  dur,
		})
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no playable audio sources")
	}
	return sources, nil
}

func runProbe(paths []string) {
	for _, path := range paths {
		info, err := media.ProbeAsset(path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s:\n", path)
		if info.HasAudio {
			fmt.Printf("  Audio:    %d Hz, %d channel(s)\n", info.SampleRate, info.Channels)
		}
		if info.HasVideo {
			fmt.Printf("  Video:    %dx%d @ %.3f fps\n", info.Width, info.Height, info.FPS)
		}
		fmt.Printf("  Duration: %.3fs\n", info.Duration)
	}
}

func getDefaultConfigPath() string {
	locations := []string{
		"./voralay.yaml",
		"./config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config", "voralay", "config.yaml"),
		"/etc/voralay/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return locations[0]
}

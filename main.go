// Package main provides the entry point for the readaloud CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/scheduler"
	"github.com/dgnsrekt/readaloud/internal/segment"
	"github.com/dgnsrekt/readaloud/internal/strategy"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/tts"
	"github.com/dgnsrekt/readaloud/internal/tts/engines"
	"github.com/dgnsrekt/readaloud/internal/tts/engines/mock"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	engineName string
	voiceID    string
	speechRate float64
	modelPath  string
	cacheDir   string
	cacheSize  int
	realtime   bool
	startAt    int

	rootCmd = &cobra.Command{
		Use:   "readaloud [FILE]",
		Short: "Read a text file aloud with predictive synthesis",
		Long: "\nReadaloud synthesizes a document segment by segment, keeping a buffer\n" +
			"of audio ready ahead of the playback position so the voice never stalls.",
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}
)

// envConfig carries debug settings read from the environment.
type envConfig struct {
	Debug   bool   `env:"READALOUD_DEBUG"`
	LogFile string `env:"READALOUD_LOGFILE"`
}

func validateOptions(cmd *cobra.Command) error {
	engineName = viper.GetString("engine")
	voiceID = viper.GetString("voice")
	speechRate = viper.GetFloat64("rate")
	modelPath = viper.GetString("piper.model")
	cacheDir = viper.GetString("cache.dir")
	cacheSize = viper.GetInt("cache.max_size")

	if speechRate < 0.5 || speechRate > 3.0 {
		return fmt.Errorf("rate must be between 0.5 and 3.0, got %.2f", speechRate)
	}
	if cacheSize < 1 || cacheSize > 10000 {
		return fmt.Errorf("cache max_size must be between 1 and 10000 MB, got %d", cacheSize)
	}
	switch engineName {
	case "mock", "piper":
	default:
		return fmt.Errorf("unknown engine %q (use mock or piper)", engineName)
	}
	if engineName == "piper" && modelPath == "" {
		return errors.New("piper engine requires a model (--model or piper.model in config)")
	}

	if cacheDir == "" {
		scope := gap.NewScope(gap.User, "readaloud")
		dir, err := scope.CacheDir()
		if err != nil {
			return fmt.Errorf("unable to locate cache directory: %w", err)
		}
		cacheDir = filepath.Join(dir, "audio")
	}

	// Realtime pacing only makes sense on a terminal.
	if realtime && !term.IsTerminal(int(os.Stdout.Fd())) && !cmd.Flags().Changed("realtime") {
		realtime = false
	}
	return nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to stat stdin: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

func readSource(args []string) (string, string, error) {
	if yes, err := stdinIsPipe(); err != nil {
		return "", "", err
	} else if yes && len(args) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("unable to read stdin: %w", err)
		}
		return string(b), "stdin", nil
	}

	if len(args) == 0 {
		return "", "", errors.New("missing input file")
	}
	if args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("unable to read stdin: %w", err)
		}
		return string(b), "stdin", nil
	}

	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", "", fmt.Errorf("unable to open file: %w", err)
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		abs = args[0]
	}
	return string(b), abs, nil
}

func buildAdapter() (tts.Adapter, string, error) {
	switch engineName {
	case "piper":
		adapter, err := engines.NewExecEngine(engines.ExecConfig{
			Binary:       viper.GetString("piper.binary"),
			ModelPath:    modelPath,
			SampleRate:   viper.GetInt("piper.sample_rate"),
			Timeout:      viper.GetDuration("piper.timeout"),
			MaxProcesses: viper.GetInt("piper.max_processes"),
		})
		return adapter, "piper", err
	default:
		return mock.New(), "mock", nil
	}
}

func execute(_ *cobra.Command, args []string) error {
	content, source, err := readSource(args)
	if err != nil {
		return err
	}

	segments := segment.NewSplitter().Split(content)
	if len(segments) == 0 {
		return errors.New("no speakable content found")
	}
	if startAt < 0 || startAt >= len(segments) {
		return fmt.Errorf("start segment %d out of range [0,%d)", startAt, len(segments))
	}
	log.Info("document segmented", "source", source, "segments", len(segments))

	adapter, engineType, err := buildAdapter()
	if err != nil {
		return err
	}

	cacheCfg := cache.DefaultConfig(cacheDir)
	cacheCfg.Capacity = int64(cacheSize) * 1024 * 1024
	store, err := cache.New(cacheCfg)
	if err != nil {
		return fmt.Errorf("unable to open audio cache: %w", err)
	}
	defer store.Close()

	orch := synth.New(adapter, store, synth.DefaultConfig())
	orch.Start()
	defer orch.Close()

	calibPath := filepath.Join(filepath.Dir(cacheDir), "calibration.yaml")
	calib, err := strategy.OpenCalibrationStore(calibPath)
	if err != nil {
		log.Warn("calibration unavailable", "error", err)
		calib = nil
	} else {
		defer calib.Close()
	}
	profiles := strategy.NewManager(strategy.SysfsPower{}, calib, engineType)

	sched := scheduler.New(orch, store, profiles, scheduler.DefaultConfig())
	sched.Start()
	defer sched.Close()

	session := &scheduler.Session{
		BookID:    source,
		ChapterID: source,
		VoiceID:   voiceID,
		Rate:      speechRate,
		Segments:  segments,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	smart := scheduler.NewSmartManager(sched)
	if err := smart.PrepareForPlayback(ctx, session, startAt); err != nil {
		return fmt.Errorf("unable to start playback: %w", err)
	}

	if err := play(ctx, sched, store, session, startAt); err != nil {
		return err
	}

	stats := store.Stats()
	log.Info("cache summary",
		"entries", stats.ItemCount,
		"size", humanize.Bytes(uint64(stats.Size)),
		"hits", stats.Hits,
		"misses", stats.Misses)
	return nil
}

// play walks the segments in order, waiting for each artifact and
// reporting buffer health along the way. Actual audio output is left
// to the consumer of the artifact paths.
func play(ctx context.Context, sched *scheduler.Scheduler, store *cache.Cache, session *scheduler.Session, start int) error {
	for i := start; i < len(session.Segments); i++ {
		if err := waitReady(ctx, sched, i); err != nil {
			return err
		}
		sched.Advance(i)

		path, err := sched.ArtifactPathFor(i)
		if err != nil {
			return fmt.Errorf("segment %d vanished from cache: %w", i, err)
		}
		bs := sched.BufferState()
		fmt.Printf("[%d/%d] ready=%d profile=%s %s\n",
			i+1, len(session.Segments), bs.ReadyAhead, bs.Profile, path)

		if realtime {
			entry := store.Lookup(session.FingerprintFor(i))
			if entry != nil {
				select {
				case <-time.After(entry.Duration):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return nil
}

func waitReady(ctx context.Context, sched *scheduler.Scheduler, i int) error {
	if sched.IsReady(i) {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sched.Ready():
		case <-ticker.C:
		}
		if sched.IsReady(i) {
			return nil
		}
	}
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().StringVarP(&engineName, "engine", "e", "mock", "synthesis engine (mock or piper)")
	rootCmd.Flags().StringVar(&voiceID, "voice", "en_US-lessac-medium", "voice identifier")
	rootCmd.Flags().Float64VarP(&speechRate, "rate", "r", 1.0, "speech rate multiplier")
	rootCmd.Flags().StringVar(&modelPath, "model", "", "voice model path (piper engine)")
	rootCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "audio cache directory")
	rootCmd.Flags().BoolVar(&realtime, "realtime", false, "pace output at audio duration")
	rootCmd.Flags().IntVar(&startAt, "start", 0, "segment index to start from")

	_ = viper.BindPFlag("engine", rootCmd.Flags().Lookup("engine"))
	_ = viper.BindPFlag("voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("rate", rootCmd.Flags().Lookup("rate"))
	_ = viper.BindPFlag("piper.model", rootCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("cache.dir", rootCmd.Flags().Lookup("cache-dir"))

	viper.SetDefault("engine", "mock")
	viper.SetDefault("voice", "en_US-lessac-medium")
	viper.SetDefault("rate", 1.0)
	viper.SetDefault("cache.dir", "")
	viper.SetDefault("cache.max_size", 1024)
	viper.SetDefault("piper.binary", "piper")
	viper.SetDefault("piper.model", "")
	viper.SetDefault("piper.sample_rate", 22050)
	viper.SetDefault("piper.timeout", "30s")
	viper.SetDefault("piper.max_processes", 1)

	rootCmd.AddCommand(configCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "readaloud")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "readaloud")}, dirs...)
	}

	if c := os.Getenv("READALOUD_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("readaloud")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("readaloud")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	configFile = filepath.Join(dirs[0], "readaloud.yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

func setupLog() (func() error, error) {
	cfg, err := env.ParseAs[envConfig]()
	if err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("unable to open log file: %w", err)
		}
		log.SetOutput(f)
		log.SetReportTimestamp(true)
		return f.Close, nil
	}

	log.SetOutput(os.Stderr)
	return func() error { return nil }, nil
}

// Command podcastctl synthesizes a podcast script straight against the provider,
// without the daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

type synthOptions struct {
	configPath string
	scriptPath string
	outPath    string
	inputID    string
	encoding   string
	headMusic  bool
	tailMusic  bool
	resumeTask string
	resumeFrom int
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "podcastctl",
		Short:        "Drive the podcast TTS service from the command line",
		SilenceUsage: true,
		Version:      version,
	}
	root.AddCommand(newSynthCmd())
	return root
}

func newSynthCmd() *cobra.Command {
	opts := &synthOptions{}
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize a script file into an audio file",
		Long: `Reads a JSON array of {"speaker","text"} lines and writes the synthesized
podcast audio to --out. Credentials come from the config file, .env or the
VOLC_APPID / VOLC_ACCESS_TOKEN environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSynth(ctx, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flags.StringVar(&opts.scriptPath, "script", "", "JSON script file ([{\"speaker\":..,\"text\":..}])")
	flags.StringVarP(&opts.outPath, "out", "o", "podcast.mp3", "Output audio file")
	flags.StringVar(&opts.inputID, "input-id", "", "Caller-chosen input id")
	flags.StringVar(&opts.encoding, "encoding", "", "Audio encoding (mp3|wav|pcm|ogg_opus)")
	flags.BoolVar(&opts.headMusic, "head-music", false, "Prepend intro music")
	flags.BoolVar(&opts.tailMusic, "tail-music", false, "Append outro music")
	flags.StringVar(&opts.resumeTask, "resume-task", "", "Task id of an earlier partial run to resume")
	flags.IntVar(&opts.resumeFrom, "resume-round", -1, "Last finished round of the resumed task")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log attempt progress")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func runSynth(ctx context.Context, opts *synthOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	lines, err := readScript(opts.scriptPath)
	if err != nil {
		return err
	}
	req := podcast.Request{
		InputID:      opts.inputID,
		Lines:        lines,
		Encoding:     opts.encoding,
		UseHeadMusic: opts.headMusic,
		UseTailMusic: opts.tailMusic,
	}
	if opts.resumeTask != "" {
		req.Resume = &podcast.ResumeInfo{RetryTaskID: opts.resumeTask, LastFinishedRoundID: opts.resumeFrom}
	}

	client, err := podcast.New(runtime.PodcastConfig(cfg.Podcast), logger)
	if err != nil {
		return err
	}
	res, err := client.Synthesize(ctx, req)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.outPath, res.Audio, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.outPath, err)
	}
	fmt.Printf("wrote %d bytes to %s (task %s, %d attempts, %d rounds)\n",
		len(res.Audio), opts.outPath, res.TaskID, res.Attempts, res.Rounds)
	return nil
}

func readScript(path string) ([]podcast.Line, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var lines []podcast.Line
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if len(lines) == 0 {
		return nil, errors.New("script has no lines")
	}
	return lines, nil
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/ulyssepence/rtt/clients"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/media"
	"github.com/ulyssepence/rtt/pipeline"
	"github.com/ulyssepence/rtt/prereq"
	"github.com/ulyssepence/rtt/server"
)

var errPrerequisites = fmt.Errorf("missing prerequisites")

func main() {
	if err := flag.Set("logtostderr", "true"); err != nil {
		glog.Fatal(err)
	}
	root := &ffcli.Command{
		Name:       "rtt",
		ShortUsage: "rtt <batch|process|serve|channel|check> [flags]",
		Subcommands: []*ffcli.Command{
			batchCommand(),
			processCommand(),
			serveCommand(),
			channelCommand(),
			checkCommand(),
		},
		Exec: func(_ context.Context, _ []string) error {
			return flag.ErrHelp
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(1)
		}
		if err != errPrerequisites {
			glog.Errorf("rtt: %v", err)
		}
		os.Exit(1)
	}
}

type batchFlags struct {
	cli       config.Cli
	statusSec int
}

func pipelineFlagSet(name string, flags *batchFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&flags.cli.OutputDir, "output-dir", ".", "Directory for archives, checkpoints and scratch files")
	fs.StringVar(&flags.cli.Collection, "collection", "", "Collection tag applied to every produced archive")
	fs.BoolVar(&flags.cli.SkipEnrich, "no-enrich", false, "Skip LLM enrichment (no API key needed)")
	fs.StringVar(&flags.cli.FailuresPath, "failures-log", "", "Path of the failures log (default: <output-dir>/failures.jsonl)")
	fs.StringVar(&flags.cli.MetricsDBConnectionString, "metrics-db-connection-string", "", "Connection string for the completion-metrics Postgres DB. Takes the form: host=X port=X user=X password=X dbname=X")
	fs.IntVar(&flags.cli.TranscribeWorkers, "transcribe-workers", config.TranscribePoolSize, "Transcription worker pool size")
	fs.IntVar(&flags.cli.EnrichWorkers, "enrich-workers", config.EnrichPoolSize, "Enrichment worker pool size")
	fs.IntVar(&flags.cli.EmbedWorkers, "embed-workers", config.EmbedPoolSize, "Embedding worker pool size")
	fs.IntVar(&flags.cli.FramesWorkers, "frames-workers", config.FramesPoolSize, "Frame extraction worker pool size")
	fs.IntVar(&flags.statusSec, "status-interval", 10, "Seconds between pipeline status reports")
	return fs
}

func ffOptions() []ff.Option {
	return []ff.Option{ff.WithEnvVarPrefix("RTT")}
}

func buildAdapters(skipEnrich bool) pipeline.Adapters {
	adapters := pipeline.Adapters{
		Transcriber: clients.NewAssemblyAITranscriber(os.Getenv("ASSEMBLYAI_API_KEY")),
		Embedder:    clients.NewOllamaEmbedder(""),
		Frames:      clients.NewFFmpegExtractor(config.RemoteFrameConcurrency),
		Platform:    clients.NewYtDlp(),
	}
	if !skipEnrich {
		adapters.Enricher = clients.NewClaudeEnricher(os.Getenv("ANTHROPIC_API_KEY"))
	}
	return adapters
}

func runPipeline(ctx context.Context, flags *batchFlags, jobs []media.VideoJob) error {
	if len(jobs) == 0 {
		fmt.Fprintln(os.Stderr, "No video jobs found.")
		return errPrerequisites
	}

	opts := pipeline.Options{
		OutputDir:    flags.cli.OutputDir,
		SkipEnrich:   flags.cli.SkipEnrich,
		Collection:   flags.cli.Collection,
		FailuresPath: flags.cli.FailuresPath,
		Workers: pipeline.WorkerCounts{
			Transcribe: flags.cli.TranscribeWorkers,
			Enrich:     flags.cli.EnrichWorkers,
			Embed:      flags.cli.EmbedWorkers,
			Frames:     flags.cli.FramesWorkers,
		},
	}
	if flags.statusSec > 0 {
		opts.StatusInterval = time.Duration(flags.statusSec) * time.Second
	}
	if conn := flags.cli.MetricsDBConnectionString; conn != "" {
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return fmt.Errorf("opening metrics DB: %w", err)
		}
		defer db.Close()
		opts.MetricsDB = db
	}

	coordinator, err := pipeline.NewCoordinator(buildAdapters(flags.cli.SkipEnrich), opts)
	if err != nil {
		return err
	}
	paths, err := coordinator.Run(ctx, jobs)
	if err != nil {
		return err
	}
	fmt.Printf("Batch complete: %d/%d succeeded\n", len(paths), len(jobs))
	return nil
}

func batchCommand() *ffcli.Command {
	flags := &batchFlags{}
	fs := pipelineFlagSet("rtt batch", flags)
	return &ffcli.Command{
		Name:       "batch",
		ShortUsage: "rtt batch [flags] <jobs.json | jobs-dir | channel-url>",
		ShortHelp:  "Ingest a batch of videos into archives",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			checker := prereq.NewChecker()
			if !checker.Require(prereq.Needs{
				FFmpeg:     true,
				YtDlp:      true,
				Ollama:     true,
				AssemblyAI: true,
				Anthropic:  !flags.cli.SkipEnrich,
			}) {
				return errPrerequisites
			}

			var jobs []media.VideoJob
			var err error
			if isURL(args[0]) && strings.Contains(args[0], "youtube.com/") {
				jobs, err = clients.NewYtDlp().Channel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Found %d videos\n", len(jobs))
			} else {
				jobs, err = pipeline.LoadJobs(args[0])
				if err != nil {
					return err
				}
			}
			return runPipeline(ctx, flags, jobs)
		},
	}
}

func processCommand() *ffcli.Command {
	flags := &batchFlags{}
	fs := pipelineFlagSet("rtt process", flags)
	title := fs.String("title", "", "Title override for single inputs")
	contextText := fs.String("context", "", "Context passed to the enricher")
	return &ffcli.Command{
		Name:       "process",
		ShortUsage: "rtt process [flags] <file | dir | url> ...",
		ShortHelp:  "Ingest local files or direct URLs",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return flag.ErrHelp
			}
			checker := prereq.NewChecker()
			if !checker.Require(prereq.Needs{
				FFmpeg:     true,
				Ollama:     true,
				AssemblyAI: true,
				Anthropic:  !flags.cli.SkipEnrich,
			}) {
				return errPrerequisites
			}

			jobs := resolveProcessInputs(args, *title, *contextText, flags.cli.Collection)
			return runPipeline(ctx, flags, jobs)
		},
	}
}

var videoExts = []string{".mp4", ".webm", ".mkv"}

// resolveProcessInputs turns files, directories and direct URLs into jobs.
func resolveProcessInputs(args []string, title, contextText, collection string) []media.VideoJob {
	var jobs []media.VideoJob
	addJob := func(source, fallbackTitle string) {
		jobTitle := title
		if jobTitle == "" {
			jobTitle = fallbackTitle
		}
		jobs = append(jobs, media.VideoJob{
			VideoID:    videoIDFromName(fallbackTitle),
			Title:      jobTitle,
			SourceURL:  source,
			Context:    contextText,
			Collection: collection,
		})
	}

	for _, arg := range args {
		if isURL(arg) {
			name := filepath.Base(arg)
			addJob(arg, strings.TrimSuffix(name, filepath.Ext(name)))
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping %s (not a file, directory, or URL)\n", arg)
			continue
		}
		if info.IsDir() {
			for _, ext := range videoExts {
				matches, _ := filepath.Glob(filepath.Join(arg, "*"+ext))
				for _, m := range matches {
					base := filepath.Base(m)
					addJob(m, strings.TrimSuffix(base, filepath.Ext(base)))
				}
			}
			continue
		}
		base := filepath.Base(arg)
		addJob(arg, strings.TrimSuffix(base, filepath.Ext(base)))
	}
	return jobs
}

var videoIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func videoIDFromName(name string) string {
	id := videoIDSanitizer.ReplaceAllString(name, "_")
	return strings.Trim(id, "_")
}

func serveCommand() *ffcli.Command {
	fs := flag.NewFlagSet("rtt serve", flag.ExitOnError)
	var addr string
	config.AddrFlag(fs, &addr, "http-addr", "0.0.0.0:8000", "Address to bind the search service to")
	return &ffcli.Command{
		Name:       "serve",
		ShortUsage: "rtt serve [flags] <archive-dir> ...",
		ShortHelp:  "Serve semantic search over a directory of archives",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return flag.ErrHelp
			}
			checker := prereq.NewChecker()
			if !checker.Require(prereq.Needs{Ollama: true}) {
				return errPrerequisites
			}
			svc, err := server.New(args, clients.NewOllamaEmbedder(""))
			if err != nil {
				return err
			}
			return server.ListenAndServe(ctx, addr, svc)
		},
	}
}

func channelCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "channel",
		ShortUsage: "rtt channel <channel-url>",
		ShortHelp:  "List a platform channel's videos as batch jobs JSON",
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			checker := prereq.NewChecker()
			if !checker.Require(prereq.Needs{YtDlp: true}) {
				return errPrerequisites
			}
			jobs, err := clients.NewYtDlp().Channel(ctx, args[0])
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(jobs)
		},
	}
}

func checkCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "check",
		ShortUsage: "rtt check",
		ShortHelp:  "Verify every external prerequisite",
		Exec: func(_ context.Context, _ []string) error {
			checker := prereq.NewChecker()
			if !checker.Require(prereq.Needs{
				FFmpeg: true, YtDlp: true, Ollama: true, Anthropic: true, AssemblyAI: true,
			}) {
				return errPrerequisites
			}
			fmt.Println("All prerequisites present.")
			return nil
		},
	}
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

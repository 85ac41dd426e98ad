// ============================================================================
// dlqueue CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for running the server and administering it
//
// Command Structure:
//   dlqueue
//   ├── run                  start the server (HTTP + gRPC + queue loops)
//   ├── enqueue              submit jobs from flags or a JSON file
//   ├── status               queue statistics
//   ├── verify               run the integrity check
//   ├── pause / resume       stop or restart dispatching
//   ├── retry [id]           retry one dead-letter item, or all retryable
//   ├── export               write a queue snapshot as JSON
//   └── import               merge a snapshot into the running server
//
// Every command but run talks to a running server over the gRPC admin
// service at --addr.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/download-queue/internal/config"
	"github.com/ChuLiYu/download-queue/internal/controller"
	"github.com/ChuLiYu/download-queue/internal/logger"
	"github.com/ChuLiYu/download-queue/internal/queue"
	"github.com/ChuLiYu/download-queue/internal/server"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "1.0.0"

type rootOptions struct {
	configFile string
	addr       string
	timeout    time.Duration
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "dlqueue",
		Short: "dlqueue: a crash-recoverable music download queue",
		Long: `dlqueue schedules album, track and playlist downloads with:
- priority ordering and a concurrency ceiling
- retries with source exclusion and a dead-letter queue
- recovery of the working set after a restart
- HTTP, websocket and gRPC admin surfaces`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:50051", "gRPC admin address of a running server")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "admin request timeout")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildEnqueueCommand(opts),
		buildStatusCommand(opts),
		buildVerifyCommand(opts),
		buildPauseCommand(opts),
		buildResumeCommand(opts),
		buildRetryCommand(opts),
		buildExportCommand(opts),
		buildImportCommand(opts),
	)
	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the download queue server",
		Long:  "Load the configuration, recover the queue from storage and serve the admin APIs until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, opts.configFile)
		},
	}
}

func runServer(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting dlqueue", zap.String("version", Version), zap.String("config", configFile))
	ctrl, err := controller.New(ctx, cfg, controller.Options{ConfigPath: configFile, Logger: log})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.Run(ctx); err != nil {
		return err
	}
	log.Info("dlqueue stopped")
	return nil
}

// ============================================================================
// Admin client plumbing
// ============================================================================

// withClient dials the admin service and calls fn with a deadline.
func withClient(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *server.AdminClient) error) error {
	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, server.NewAdminClient(conn))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		jobFile string
		job     types.Job
		kind    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from flags or a JSON file",
		Long: `Submit a single job described by flags, or every job in a JSON file
(an array of job objects, or a single object).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []*types.Job
			if jobFile != "" {
				var err error
				if jobs, err = readJobs(jobFile); err != nil {
					return err
				}
			} else {
				if kind == "" {
					return fmt.Errorf("either --file or --kind is required")
				}
				job.Kind = types.Kind(kind)
				jobs = []*types.Job{&job}
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				return enqueueJobs(ctx, cmd.OutOrStdout(), c, jobs)
			})
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&kind, "kind", "", "job kind: album, track or weekly-flow")
	cmd.Flags().StringVar((*string)(&job.ID), "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&job.ArtistName, "artist", "", "artist name")
	cmd.Flags().StringVar(&job.AlbumName, "album", "", "album name")
	cmd.Flags().StringVar(&job.AlbumID, "album-id", "", "album reference")
	cmd.Flags().StringVar(&job.TrackName, "track", "", "track name")
	cmd.Flags().StringVar(&job.TrackID, "track-id", "", "track reference")
	cmd.Flags().IntVar(&job.ExpectedTracks, "expected-tracks", 0, "track count of an album")
	cmd.MarkFlagsMutuallyExclusive("file", "kind")
	return cmd
}

// readJobs parses a JSON array of jobs or a single job object.
func readJobs(path string) ([]*types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	var jobs []*types.Job
	if strings.HasPrefix(trimmed, "{") {
		var one types.Job
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("parse job file: %w", err)
		}
		jobs = append(jobs, &one)
	} else if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	for i, j := range jobs {
		if j == nil || j.Kind == "" {
			return nil, fmt.Errorf("job %d in %s has no kind", i, path)
		}
	}
	return jobs, nil
}

func enqueueJobs(ctx context.Context, w io.Writer, c *server.AdminClient, jobs []*types.Job) error {
	var failed int
	for _, job := range jobs {
		entry, err := c.Enqueue(ctx, job)
		if err != nil {
			failed++
			fmt.Fprintf(w, "✗ %s %s: %v\n", job.Kind, job.ID, err)
			continue
		}
		fmt.Fprintf(w, "✓ %s %s (priority %d)\n", entry.Kind, entry.ID, entry.Priority)
	}
	fmt.Fprintf(w, "enqueued %d/%d jobs\n", len(jobs)-failed, len(jobs))
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs rejected", failed, len(jobs))
	}
	return nil
}

// ============================================================================
// status, verify, pause, resume
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Long:  "Display working set, job status counts, dead letters and blocked sources of a running server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				printStatus(cmd.OutOrStdout(), opts.addr, stats)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printStatus(w io.Writer, addr string, s queue.Stats) {
	state := "running"
	switch {
	case s.Paused:
		state = "paused"
	case !s.InWindow:
		state = "outside schedule window"
	}

	fmt.Fprintln(w, "dlqueue status")
	fmt.Fprintf(w, "  server:           %s\n", addr)
	fmt.Fprintf(w, "  state:            %s\n", state)
	if s.Uptime != "" {
		fmt.Fprintf(w, "  uptime:           %s\n", s.Uptime)
	}
	fmt.Fprintf(w, "  queued:           %d\n", s.Queued)
	fmt.Fprintf(w, "  dispatching:      %d/%d\n", s.Active, s.MaxConcurrent)
	fmt.Fprintf(w, "  active transfers: %d\n", s.ActiveTransfers)
	fmt.Fprintf(w, "  dead letters:     %d\n", s.DeadLetters)
	fmt.Fprintf(w, "  blocked sources:  %d\n", s.BlockedSources)

	if len(s.ByStatus) > 0 {
		fmt.Fprintln(w, "  jobs by status:")
		statuses := make([]string, 0, len(s.ByStatus))
		for st := range s.ByStatus {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			fmt.Fprintf(w, "    %-12s %d\n", st, s.ByStatus[types.JobStatus(st)])
		}
	}
}

func buildVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run the queue integrity check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				report, err := c.Verify(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func buildPauseCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching new jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				if err := c.Pause(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "queue paused")
				return nil
			})
		},
	}
}

func buildResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				if err := c.Resume(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "queue resumed")
				return nil
			})
		},
	}
}

// ============================================================================
// retry, export, import
// ============================================================================

func buildRetryCommand(opts *rootOptions) *cobra.Command {
	var kinds, errorTypes []string
	cmd := &cobra.Command{
		Use:   "retry [dead-letter-id]",
		Short: "Retry dead-lettered jobs",
		Long:  "Retry one dead-letter item by id, or every retryable item matching --kind and --error-type.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.RetryRequest{}
			if len(args) == 1 {
				req.ID = args[0]
			}
			for _, k := range kinds {
				req.Filter.Kinds = append(req.Filter.Kinds, types.Kind(k))
			}
			for _, e := range errorTypes {
				req.Filter.ErrorTypes = append(req.Filter.ErrorTypes, types.ErrorKind(e))
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				res, err := c.RetryDeadLetter(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %d/%d dead letters\n", res.Succeeded, res.Attempted)
				for id, msg := range res.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", id, msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only retry these job kinds")
	cmd.Flags().StringSliceVar(&errorTypes, "error-type", nil, "only retry these error types")
	return cmd
}

func buildExportCommand(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the queue and its durable state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				data, err := c.Export(ctx)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					return printJSON(cmd.OutOrStdout(), data)
				}
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				if err := printJSON(f, data); err != nil {
					f.Close()
					return fmt.Errorf("write %s: %w", out, err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d jobs, %d dead letters to %s\n",
					len(data.Jobs), len(data.DeadLetters), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (stdout when empty)")
	return cmd
}

func buildImportCommand(opts *rootOptions) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Merge an export into the running server",
		Long:  "Insert the records of an export that the server does not have yet. Existing records are never overwritten.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read %s: %w", in, err)
			}
			var data queue.ExportData
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("parse %s: %w", in, err)
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.AdminClient) error {
				res, err := c.Import(ctx, &data)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&in, "file", "f", "", "export file to import")
	cmd.MarkFlagRequired("file")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/download-queue/internal/config"
	"github.com/ChuLiYu/download-queue/internal/controller"
	"github.com/ChuLiYu/download-queue/internal/logger"
	"github.com/ChuLiYu/download-queue/internal/queue"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

var artists = []string{"Burial", "Boards of Canada", "Aphex Twin", "Four Tet", "Jon Hopkins"}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Storage.Dir = "data/demo"
	cfg.Executor.Simulate = true
	cfg.Executor.StepDelay = 200 * time.Millisecond
	cfg.Queue.StaggerDelay = 100 * time.Millisecond
	cfg.Queue.DispatchInterval = 500 * time.Millisecond
	cfg.Log.Level = "warn"

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.New(ctx, cfg, controller.Options{Logger: zl})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	defer ctrl.Close()
	q := ctrl.Queue()

	fmt.Printf("✓ Controller ready (mode: %s, http: %s, grpc: %s)\n", mode, ctrl.HTTPAddr(), ctrl.GRPCAddr())

	switch mode {
	case "start":
		if q.Len() > 0 {
			fmt.Printf("\n⚠️  Found %d queued jobs from a previous run\n", q.Len())
			fmt.Println("   Run 'go run cmd/demo/main.go recover' to watch them finish, or remove data/demo")
			break
		}
		n := enqueueLibrary(ctx, q)
		fmt.Printf("✓ Enqueued %d jobs\n", n)
		fmt.Println("💡 Press Ctrl+C while transfers are running, then run 'recover'")
	case "recover":
		printStats(ctx, "Immediate status after recovery", q)
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				log.Fatalf("Controller failed: %v", err)
			}
			fmt.Println("\n✓ Controller stopped")
			return
		case <-ticker.C:
			printStats(ctx, "Status", q)
		}
	}
}

func enqueueLibrary(ctx context.Context, q *queue.Queue) int {
	stamp := time.Now().Unix()
	n := 0
	for i, artist := range artists {
		jobs := []*types.Job{
			{Kind: types.KindAlbum, ArtistName: artist, AlbumName: fmt.Sprintf("LP %d", i+1),
				AlbumID: fmt.Sprintf("album-%d-%d", i, stamp), ExpectedTracks: 10},
			{Kind: types.KindTrack, ArtistName: artist, TrackName: fmt.Sprintf("Single %d", i+1)},
			{Kind: types.KindWeeklyFlow, ArtistName: artist, TrackName: fmt.Sprintf("Discovery %d", i+1)},
		}
		for _, job := range jobs {
			if _, err := q.Enqueue(ctx, job); err != nil {
				log.Printf("enqueue %s: %v", job.Target(), err)
				continue
			}
			n++
		}
	}
	return n
}

func printStats(ctx context.Context, title string, q *queue.Queue) {
	s, err := q.Stats(ctx)
	if err != nil {
		log.Printf("stats: %v", err)
		return
	}
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Queued:       %d\n", s.Queued)
	fmt.Printf("  Dispatching:  %d/%d\n", s.Active, s.MaxConcurrent)
	fmt.Printf("  Transfers:    %d\n", s.ActiveTransfers)
	fmt.Printf("  Completed:    %d\n", s.ByStatus[types.StatusCompleted])
	fmt.Printf("  Dead letters: %d\n", s.DeadLetters)
}

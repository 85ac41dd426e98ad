// Package oracle answers whether a job's output already exists, so the queue
// can skip work finished on a previous run before its record was updated.
package oracle

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dhowden/tag"
	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

// DefaultRatio is the share of expected units that counts as complete.
const DefaultRatio = 0.8

// Coverage compares expected output units to those found.
type Coverage struct {
	Expected int `json:"expected"`
	Observed int `json:"observed"`
}

// Satisfied reports whether Observed reaches ceil(ratio*Expected).
func (c Coverage) Satisfied(ratio float64) bool {
	if c.Expected <= 0 {
		return false
	}
	return c.Observed >= int(math.Ceil(ratio*float64(c.Expected)))
}

// CompletionOracle checks real-world output for a job.
type CompletionOracle interface {
	Supports(kind types.Kind) bool
	Check(ctx context.Context, job *types.Job) (Coverage, error)
}

// Nop supports no kinds.
type Nop struct{}

func (Nop) Supports(types.Kind) bool { return false }

func (Nop) Check(context.Context, *types.Job) (Coverage, error) { return Coverage{}, nil }

var audioExt = map[string]bool{
	".flac": true,
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".opus": true,
	".wav":  true,
	".aac":  true,
}

// IsAudio reports whether path has a known audio extension.
func IsAudio(path string) bool {
	return audioExt[strings.ToLower(filepath.Ext(path))]
}

// Filesystem inspects a library laid out as <root>/<artist>/<album>/<file>.
type Filesystem struct {
	root string
	log  *zap.Logger
}

var _ CompletionOracle = (*Filesystem)(nil)

func NewFilesystem(root string, log *zap.Logger) *Filesystem {
	if log == nil {
		log = zap.NewNop()
	}
	return &Filesystem{root: root, log: log.Named("oracle")}
}

// Supports album and track jobs.
func (f *Filesystem) Supports(kind types.Kind) bool {
	return kind == types.KindAlbum || kind == types.KindTrack
}

// Check counts audio files for albums; for tracks it looks for a file whose
// title matches the track name.
func (f *Filesystem) Check(ctx context.Context, job *types.Job) (Coverage, error) {
	if job.ArtistName == "" {
		return Coverage{}, nil
	}
	artistDir, ok := lookupDir(f.root, job.ArtistName)
	if !ok {
		return Coverage{Expected: expected(job)}, nil
	}

	switch job.Kind {
	case types.KindAlbum:
		if job.AlbumName == "" {
			return Coverage{}, nil
		}
		albumDir, ok := lookupDir(artistDir, job.AlbumName)
		if !ok {
			return Coverage{Expected: job.ExpectedTracks}, nil
		}
		files, err := audioFiles(ctx, albumDir)
		if err != nil {
			return Coverage{}, err
		}
		return Coverage{Expected: job.ExpectedTracks, Observed: len(files)}, nil

	case types.KindTrack:
		if job.TrackName == "" {
			return Coverage{}, nil
		}
		dir := artistDir
		if job.AlbumName != "" {
			if albumDir, ok := lookupDir(artistDir, job.AlbumName); ok {
				dir = albumDir
			}
		}
		files, err := audioFiles(ctx, dir)
		if err != nil {
			return Coverage{}, err
		}
		want := normalize(job.TrackName)
		for _, path := range files {
			if normalize(f.title(path)) == want {
				return Coverage{Expected: 1, Observed: 1}, nil
			}
		}
		return Coverage{Expected: 1}, nil
	}
	return Coverage{}, nil
}

func expected(job *types.Job) int {
	if job.Kind == types.KindTrack {
		return 1
	}
	return job.ExpectedTracks
}

// title reads the tag title, falling back to the file name without its
// track number prefix.
func (f *Filesystem) title(path string) string {
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		if meta, err := tag.ReadFrom(file); err == nil && meta.Title() != "" {
			return meta.Title()
		}
	}
	return titleFromName(path)
}

var trackPrefix = regexp.MustCompile(`^(\d+)[\.\-\s]+(.+)`)

func titleFromName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if m := trackPrefix.FindStringSubmatch(name); len(m) > 2 {
		return m[2]
	}
	return name
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")

// lookupDir finds name under parent, exactly first and then ignoring case.
func lookupDir(parent, name string) (string, bool) {
	clean := unsafeChars.Replace(name)
	exact := filepath.Join(parent, clean)
	if info, err := os.Stat(exact); err == nil && info.IsDir() {
		return exact, true
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() && strings.EqualFold(e.Name(), clean) {
			return filepath.Join(parent, e.Name()), true
		}
	}
	return "", false
}

func audioFiles(ctx context.Context, dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.IsDir() && IsAudio(path) {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

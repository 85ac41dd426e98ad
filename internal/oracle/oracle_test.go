package oracle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0o644))
}

func TestCoverageSatisfied(t *testing.T) {
	tests := []struct {
		expected, observed int
		want               bool
	}{
		{10, 8, true},
		{10, 7, false},
		{12, 10, true}, // ceil(9.6)
		{12, 9, false},
		{1, 1, true},
		{1, 0, false},
		{0, 5, false},
	}
	for _, tt := range tests {
		c := Coverage{Expected: tt.expected, Observed: tt.observed}
		assert.Equal(t, tt.want, c.Satisfied(DefaultRatio), "%+v", c)
	}
}

func TestNop(t *testing.T) {
	var o CompletionOracle = Nop{}
	assert.False(t, o.Supports(types.KindAlbum))
	c, err := o.Check(context.Background(), &types.Job{})
	require.NoError(t, err)
	assert.Zero(t, c)
}

func TestFilesystem_Album(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"01 - Roygbiv.flac", "02 - Turquoise.mp3", "03 - Olson.flac", "cover.jpg"} {
		writeFile(t, root, filepath.Join("Boards of Canada", "Music Has the Right", name))
	}
	o := NewFilesystem(root, zaptest.NewLogger(t))

	tests := []struct {
		name   string
		job    *types.Job
		want   Coverage
		stands bool
	}{
		{
			name: "audio files counted",
			job: &types.Job{Kind: types.KindAlbum, ArtistName: "Boards of Canada",
				AlbumName: "Music Has the Right", ExpectedTracks: 3},
			want:   Coverage{Expected: 3, Observed: 3},
			stands: true,
		},
		{
			name: "case-insensitive directories",
			job: &types.Job{Kind: types.KindAlbum, ArtistName: "boards of canada",
				AlbumName: "MUSIC HAS THE RIGHT", ExpectedTracks: 4},
			want:   Coverage{Expected: 4, Observed: 3},
			stands: false,
		},
		{
			name: "missing album",
			job: &types.Job{Kind: types.KindAlbum, ArtistName: "Boards of Canada",
				AlbumName: "Geogaddi", ExpectedTracks: 23},
			want: Coverage{Expected: 23},
		},
		{
			name: "missing artist",
			job:  &types.Job{Kind: types.KindAlbum, ArtistName: "Autechre", AlbumName: "Amber", ExpectedTracks: 11},
			want: Coverage{Expected: 11},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := o.Check(context.Background(), tt.job)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.stands, got.Satisfied(DefaultRatio))
		})
	}
}

func TestFilesystem_TrackFallsBackToFileName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, filepath.Join("Burial", "Untrue", "02 - Archangel.mp3"))
	o := NewFilesystem(root, nil)

	got, err := o.Check(context.Background(), &types.Job{
		Kind: types.KindTrack, ArtistName: "Burial", AlbumName: "Untrue", TrackName: "archangel",
	})
	require.NoError(t, err)
	assert.True(t, got.Satisfied(DefaultRatio))

	got, err = o.Check(context.Background(), &types.Job{
		Kind: types.KindTrack, ArtistName: "Burial", TrackName: "Near Dark",
	})
	require.NoError(t, err)
	assert.Equal(t, Coverage{Expected: 1}, got)
}

func TestFilesystem_Supports(t *testing.T) {
	o := NewFilesystem(t.TempDir(), nil)
	assert.True(t, o.Supports(types.KindAlbum))
	assert.True(t, o.Supports(types.KindTrack))
	assert.False(t, o.Supports(types.KindWeeklyFlow))
}

func TestTitleFromName(t *testing.T) {
	assert.Equal(t, "Archangel", titleFromName("/x/02 - Archangel.mp3"))
	assert.Equal(t, "Archangel", titleFromName("/x/2. Archangel.flac"))
	assert.Equal(t, "Archangel", titleFromName("Archangel.flac"))
}

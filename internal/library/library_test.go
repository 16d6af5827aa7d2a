package library

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackstream/internal/domain"
)

func writeTrack(t *testing.T, dir, id string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+domain.TrackExtension), data, 0o644))
}

func TestValidateID(t *testing.T) {
	valid := []string{"a", "track-01", "Some_Track_2", "ABCxyz123"}
	for _, id := range valid {
		assert.NoError(t, ValidateID(id), id)
	}

	invalid := []string{
		"",
		"../../etc/passwd",
		"..",
		"a/b",
		`a\b`,
		"track.mp3",
		"with space",
		"ünicode",
		"semi;colon",
		string(make([]byte, maxIDLength+1)),
	}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidIdentifier, "%q", id)
	}
}

func TestResolveRejectsTraversalWithoutFilesystemAccess(t *testing.T) {
	// The root does not exist, so any filesystem access would surface as ErrNotFound.
	lib, err := New(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)

	for _, id := range []string{"../../etc/passwd", "..%2F..%2Fetc%2Fpasswd", "/etc/passwd", ""} {
		_, err := lib.Resolve(id)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, id)
	}

	_, err = lib.Resolve("valid-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveReturnsPathAndSize(t *testing.T) {
	dir := t.TempDir()
	writeTrack(t, dir, "song", []byte("0123456789"))

	lib, err := New(dir)
	require.NoError(t, err)

	track, err := lib.Resolve("song")
	require.NoError(t, err)
	assert.Equal(t, "song", track.ID)
	assert.Equal(t, int64(10), track.Size)
	assert.Equal(t, domain.TrackContentType, track.ContentType)
	assert.Equal(t, filepath.Join(lib.Root(), "song.mp3"), track.Path)

	_, err = lib.Resolve("other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.mp3"), 0o755))

	lib, err := New(dir)
	require.NoError(t, err)

	_, err = lib.Resolve("folder")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsSymlinkEscapingRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.mp3")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "escape.mp3")))
	writeTrack(t, dir, "inside", []byte("inside"))
	require.NoError(t, os.Symlink(filepath.Join(dir, "inside.mp3"), filepath.Join(dir, "alias.mp3")))

	lib, err := New(dir)
	require.NoError(t, err)

	_, err = lib.Resolve("escape")
	assert.ErrorIs(t, err, ErrNotFound)

	track, err := lib.Resolve("alias")
	require.NoError(t, err)
	assert.Equal(t, int64(len("inside")), track.Size)
}

func TestLoadReturnsExactBytes(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 64*1024+13)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	writeTrack(t, dir, "big", payload)

	lib, err := New(dir)
	require.NoError(t, err)

	data, err := lib.Load(context.Background(), "big")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = lib.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadKeepsNoSpareCapacity(t *testing.T) {
	dir := t.TempDir()
	sizes := map[string]int{
		"one_mib":     1 << 20,
		"under_8mib":  8<<20 - 100,
		"odd_size":    3<<20 + 8000,
		"empty_track": 0,
		"single_byte": 1,
	}
	for id, size := range sizes {
		writeTrack(t, dir, id, make([]byte, size))
	}
	lib, err := New(dir)
	require.NoError(t, err)

	for id, size := range sizes {
		data, err := lib.Load(context.Background(), id)
		require.NoError(t, err, id)
		assert.Len(t, data, size, id)
		assert.Equal(t, len(data), cap(data), "%s retains spare capacity", id)
	}
}

func TestLoadHonoursCancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeTrack(t, dir, "song", []byte("data"))
	lib, err := New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lib.Load(ctx, "song")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListAndPickRandom(t *testing.T) {
	dir := t.TempDir()
	writeTrack(t, dir, "one", []byte("1"))
	writeTrack(t, dir, "two", []byte("2"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad name.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.mp3"), 0o755))

	lib, err := New(dir)
	require.NoError(t, err)

	ids, err := lib.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, ids)

	for i := 0; i < 20; i++ {
		id, err := lib.PickRandom()
		require.NoError(t, err)
		assert.Contains(t, []string{"one", "two"}, id)
	}
}

func TestListSkipsUnservableSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.mp3")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(outside, "album"), 0o755))

	dir := t.TempDir()
	writeTrack(t, dir, "real", []byte("real"))
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "escape.mp3")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "album"), filepath.Join(dir, "album.mp3")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "dangling.mp3")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.mp3"), filepath.Join(dir, "alias.mp3")))

	lib, err := New(dir)
	require.NoError(t, err)

	ids, err := lib.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"real", "alias"}, ids)

	for i := 0; i < 20; i++ {
		id, err := lib.PickRandom()
		require.NoError(t, err)
		_, err = lib.Resolve(id)
		assert.NoError(t, err, id)
	}
}

func TestPickRandomEmpty(t *testing.T) {
	lib, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = lib.PickRandom()
	assert.ErrorIs(t, err, ErrNoTracks)

	missing, err := New(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	_, err = missing.PickRandom()
	assert.ErrorIs(t, err, ErrNoTracks)
}

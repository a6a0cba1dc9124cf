package proc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podfetch/internal/app/podfetch/podcast"
)

func openTestStore(t *testing.T) *BoltDB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.bdb"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &BoltDB{DB: db}
}

func testEpisode(episodeID int64) *podcast.Episode {
	return &podcast.Episode{
		EpisodeID:   episodeID,
		PodcastID:   7,
		PodcastName: "gophers talk",
		AudioURL:    "https://example.com/audio.mp3",
		PublishedAt: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateEpisode(t *testing.T) {
	store := openTestStore(t)

	created, err := store.CreateEpisode(testEpisode(100))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, podcast.StatusPending, created.Status)
	assert.Zero(t, created.RetryCount)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = store.CreateEpisode(testEpisode(100))
	assert.EqualError(t, err, "episode 100 already exists")
}

func TestCreateEpisodeRejectsBadURL(t *testing.T) {
	store := openTestStore(t)

	episode := testEpisode(100)
	episode.AudioURL = "not-a-url"
	_, err := store.CreateEpisode(episode)
	assert.Error(t, err)

	episode.AudioURL = "ftp://example.com/a.mp3"
	_, err = store.CreateEpisode(episode)
	assert.Error(t, err)
}

func TestGetByEpisodeID(t *testing.T) {
	store := openTestStore(t)

	created, err := store.CreateEpisode(testEpisode(100))
	require.NoError(t, err)

	got, err := store.GetByEpisodeID(100)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.AudioURL, got.AudioURL)

	_, err = store.GetByEpisodeID(999)
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestGetByID(t *testing.T) {
	store := openTestStore(t)

	created, err := store.CreateEpisode(testEpisode(100))
	require.NoError(t, err)

	got, err := store.GetByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.EpisodeID)

	_, err = store.GetByID(999)
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestFindByStatusOrderedByCreation(t *testing.T) {
	store := openTestStore(t)

	for _, id := range []int64{300, 100, 200} {
		_, err := store.CreateEpisode(testEpisode(id))
		require.NoError(t, err)
	}

	_, err := store.UpdateEpisode(100, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloaded
	})
	require.NoError(t, err)

	pending, err := store.FindByStatus(podcast.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(300), pending[0].EpisodeID)
	assert.Equal(t, int64(200), pending[1].EpisodeID)
}

func TestUpdateEpisode(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CreateEpisode(testEpisode(100))
	require.NoError(t, err)

	updated, err := store.UpdateEpisode(100, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloading
		e.Progress = 42
	})
	require.NoError(t, err)
	assert.Equal(t, podcast.StatusDownloading, updated.Status)
	assert.Equal(t, 42, updated.Progress)

	got, err := store.GetByEpisodeID(100)
	require.NoError(t, err)
	assert.Equal(t, podcast.StatusDownloading, got.Status)
	assert.Equal(t, 42, got.Progress)

	_, err = store.UpdateEpisode(999, func(e *podcast.Episode) {})
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestStatusCounts(t *testing.T) {
	store := openTestStore(t)

	for _, id := range []int64{100, 200, 300} {
		_, err := store.CreateEpisode(testEpisode(id))
		require.NoError(t, err)
	}
	_, err := store.UpdateEpisode(200, func(e *podcast.Episode) {
		e.SetFailed("boom")
	})
	require.NoError(t, err)

	counts, err := store.StatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[podcast.StatusPending])
	assert.Equal(t, 1, counts[podcast.StatusFailed])
}

package proc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podfetch/internal/app/podfetch/podcast"
)

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	stager := &Stager{Root: t.TempDir(), Storage: openTestStore(t)}
	require.NoError(t, stager.EnsureDirs())
	return stager
}

func TestFinalizeRenames(t *testing.T) {
	stager := newTestStager(t)
	episode := testEpisode(100)

	tempPath := stager.TempPath(episode)
	require.NoError(t, os.WriteFile(tempPath, []byte("audio bytes"), 0o600))

	finalPath, err := stager.Finalize(tempPath, stager.FinalPath(episode))
	require.NoError(t, err)

	assert.NoFileExists(t, tempPath)
	data, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "audio bytes", string(data))
}

func TestFinalizeMissingTemp(t *testing.T) {
	stager := newTestStager(t)
	episode := testEpisode(100)

	_, err := stager.Finalize(stager.TempPath(episode), stager.FinalPath(episode))
	derr, ok := AsDownloadError(err)
	require.True(t, ok)
	assert.Equal(t, KindMissingTempFile, derr.Kind)
}

func TestCleanupIdempotent(t *testing.T) {
	stager := newTestStager(t)
	episode := testEpisode(100)

	tempPath := stager.TempPath(episode)
	require.NoError(t, os.WriteFile(tempPath, []byte("partial"), 0o600))

	stager.Cleanup(tempPath)
	assert.NoFileExists(t, tempPath)
	stager.Cleanup(tempPath) // second call must not blow up
}

func TestReconcileDemotesMissingFile(t *testing.T) {
	stager := newTestStager(t)

	_, err := stager.Storage.CreateEpisode(testEpisode(100))
	require.NoError(t, err)
	_, err = stager.Storage.UpdateEpisode(100, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloaded
		e.LocalPath = filepath.Join(stager.Root, FinalName(e))
	})
	require.NoError(t, err)

	demoted, err := stager.Reconcile()
	require.NoError(t, err)
	require.Len(t, demoted, 1)
	assert.Equal(t, podcast.StatusFailed, demoted[0].Status)
	assert.Empty(t, demoted[0].LocalPath)
	assert.Contains(t, demoted[0].LastError, "is missing")
}

func TestReconcileDemotesEmptyAndMisnamed(t *testing.T) {
	stager := newTestStager(t)

	empty := testEpisode(100)
	_, err := stager.Storage.CreateEpisode(empty)
	require.NoError(t, err)
	emptyPath := stager.FinalPath(empty)
	require.NoError(t, os.WriteFile(emptyPath, nil, 0o600))
	_, err = stager.Storage.UpdateEpisode(100, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloaded
		e.LocalPath = emptyPath
	})
	require.NoError(t, err)

	misnamed := testEpisode(200)
	_, err = stager.Storage.CreateEpisode(misnamed)
	require.NoError(t, err)
	wrongPath := filepath.Join(stager.Root, "renamed-by-hand.mp3")
	require.NoError(t, os.WriteFile(wrongPath, []byte("audio"), 0o600))
	_, err = stager.Storage.UpdateEpisode(200, func(e *podcast.Episode) {
		e.Status = podcast.StatusTranscribed
		e.LocalPath = wrongPath
	})
	require.NoError(t, err)

	demoted, err := stager.Reconcile()
	require.NoError(t, err)
	assert.Len(t, demoted, 2)
}

func TestReconcileKeepsHealthyFile(t *testing.T) {
	stager := newTestStager(t)

	episode := testEpisode(100)
	_, err := stager.Storage.CreateEpisode(episode)
	require.NoError(t, err)
	finalPath := stager.FinalPath(episode)
	require.NoError(t, os.WriteFile(finalPath, []byte("audio"), 0o600))
	_, err = stager.Storage.UpdateEpisode(100, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloaded
		e.LocalPath = finalPath
	})
	require.NoError(t, err)

	demoted, err := stager.Reconcile()
	require.NoError(t, err)
	assert.Empty(t, demoted)
}

func TestReconcileIdempotent(t *testing.T) {
	stager := newTestStager(t)

	_, err := stager.Storage.CreateEpisode(testEpisode(100))
	require.NoError(t, err)
	_, err = stager.Storage.UpdateEpisode(100, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloaded
		e.LocalPath = filepath.Join(stager.Root, FinalName(e))
	})
	require.NoError(t, err)

	first, err := stager.Reconcile()
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := stager.Reconcile()
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestRequeueStalled(t *testing.T) {
	stager := newTestStager(t)

	for _, id := range []int64{100, 200} {
		_, err := stager.Storage.CreateEpisode(testEpisode(id))
		require.NoError(t, err)
		_, err = stager.Storage.UpdateEpisode(id, func(e *podcast.Episode) {
			e.Status = podcast.StatusDownloading
			e.Progress = 40
		})
		require.NoError(t, err)
	}

	requeued, err := stager.RequeueStalled(func(episodeID int64) bool { return episodeID == 200 })
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, int64(100), requeued[0].EpisodeID)

	repaired, err := stager.Storage.GetByEpisodeID(100)
	require.NoError(t, err)
	assert.Equal(t, podcast.StatusPending, repaired.Status)
	assert.Zero(t, repaired.Progress)

	inFlight, err := stager.Storage.GetByEpisodeID(200)
	require.NoError(t, err)
	assert.Equal(t, podcast.StatusDownloading, inFlight.Status)
	assert.Equal(t, 40, inFlight.Progress)
}

func TestSweepTemp(t *testing.T) {
	stager := newTestStager(t)

	stale := testEpisode(100)
	active := testEpisode(200)
	require.NoError(t, os.WriteFile(stager.TempPath(stale), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(stager.TempPath(active), []byte("x"), 0o600))
	// final files are never swept
	require.NoError(t, os.WriteFile(stager.FinalPath(stale), []byte("x"), 0o600))

	removed, err := stager.SweepTemp(func(episodeID int64) bool { return episodeID == 200 })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stager.TempPath(stale))
	assert.FileExists(t, stager.TempPath(active))
	assert.FileExists(t, stager.FinalPath(stale))
}

func TestMoveToDone(t *testing.T) {
	stager := newTestStager(t)

	episode := testEpisode(100)
	finalPath := stager.FinalPath(episode)
	require.NoError(t, os.WriteFile(finalPath, []byte("audio"), 0o600))
	episode.LocalPath = finalPath

	done, err := stager.MoveToDone(episode)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(stager.DonePath(), FinalName(episode)), done)
	assert.FileExists(t, done)
	assert.NoFileExists(t, finalPath)
}

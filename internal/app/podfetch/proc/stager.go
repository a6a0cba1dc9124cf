package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"

	"podfetch/internal/app/podfetch/podcast"
)

// DoneFolder under the download root holds transcribed episodes.
const DoneFolder = "done"

// Stager owns the filesystem side-effects for episode files: atomic
// finalize, temp cleanup and reconciliation of the store with the disk.
type Stager struct {
	Root    string
	Storage *BoltDB
}

// EnsureDirs creates the download root and the done subfolder.
func (s *Stager) EnsureDirs() error {
	for _, dir := range []string{s.Root, s.DonePath()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("can't create folder %s: %w", dir, err)
		}
	}
	return nil
}

// DonePath is the folder for transcribed episodes.
func (s *Stager) DonePath() string {
	return filepath.Join(s.Root, DoneFolder)
}

// FinalPath of an episode under the download root.
func (s *Stager) FinalPath(episode *podcast.Episode) string {
	return filepath.Join(s.Root, FinalName(episode))
}

// TempPath of an in-progress episode under the download root.
func (s *Stager) TempPath(episode *podcast.Episode) string {
	return filepath.Join(s.Root, TempName(episode))
}

// Finalize renames the temp file to its final path. Rename keeps the
// operation atomic with respect to crash, so a partially written file is
// never observable under the final name.
func (s *Stager) Finalize(tempPath, finalPath string) (string, error) {
	if _, err := os.Stat(tempPath); err != nil {
		if os.IsNotExist(err) {
			return "", &DownloadError{Kind: KindMissingTempFile, Err: fmt.Errorf("temp file %s does not exist", tempPath)}
		}
		return "", &DownloadError{Kind: KindWrite, Err: err}
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", &DownloadError{Kind: KindWrite, Err: fmt.Errorf("rename %s: %w", tempPath, err)}
	}
	return finalPath, nil
}

// Cleanup removes a temp file. Absence is not an error.
func (s *Stager) Cleanup(tempPath string) {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] can't remove temp file %s, %v", tempPath, err)
	}
}

// MoveToDone moves a transcribed episode file into the done folder and
// returns the new path.
func (s *Stager) MoveToDone(episode *podcast.Episode) (string, error) {
	if episode.LocalPath == "" {
		return "", fmt.Errorf("episode %d has no local file", episode.EpisodeID)
	}
	target := filepath.Join(s.DonePath(), filepath.Base(episode.LocalPath))
	if err := os.Rename(episode.LocalPath, target); err != nil {
		return "", fmt.Errorf("move %s to done: %w", episode.LocalPath, err)
	}
	return target, nil
}

// Reconcile verifies every episode whose status implies an on-disk file.
// Episodes with a missing, empty or misnamed file are demoted to failed
// with the local path cleared. Running it twice on an unchanged filesystem
// is a no-op the second time. It returns the demoted episodes.
func (s *Stager) Reconcile() ([]*podcast.Episode, error) {
	var demoted []*podcast.Episode

	for _, status := range podcast.AllStatuses() {
		if !status.ImpliesFile() {
			continue
		}
		episodes, err := s.Storage.FindByStatus(status)
		if err != nil {
			return nil, fmt.Errorf("find episodes by status %s: %w", status, err)
		}
		for _, episode := range episodes {
			reason := s.verifyFile(episode)
			if reason == "" {
				continue
			}

			log.Printf("[WARN] episode %d failed reconcile: %s", episode.EpisodeID, reason)
			updated, err := s.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
				e.SetFailed(reason)
				e.LocalPath = ""
			})
			if err != nil {
				return nil, fmt.Errorf("demote episode %d: %w", episode.EpisodeID, err)
			}
			demoted = append(demoted, updated)
		}
	}

	return demoted, nil
}

func (s *Stager) verifyFile(episode *podcast.Episode) string {
	if episode.LocalPath == "" {
		return "no local path recorded"
	}
	info, err := os.Stat(episode.LocalPath)
	if err != nil {
		return fmt.Sprintf("file %s is missing", episode.LocalPath)
	}
	if info.Size() == 0 {
		return fmt.Sprintf("file %s is empty", episode.LocalPath)
	}
	parsed, ok := ParseName(episode.LocalPath)
	if !ok || !parsed.Matches(episode) {
		return fmt.Sprintf("file %s does not match episode naming", episode.LocalPath)
	}
	return ""
}

// RequeueStalled returns episodes persisted as downloading without a
// transfer behind them back to pending, typically leftovers of a crash.
// isActive is keyed by external episode id.
func (s *Stager) RequeueStalled(isActive func(episodeID int64) bool) ([]*podcast.Episode, error) {
	episodes, err := s.Storage.FindByStatus(podcast.StatusDownloading)
	if err != nil {
		return nil, fmt.Errorf("find downloading episodes: %w", err)
	}

	var requeued []*podcast.Episode
	for _, episode := range episodes {
		if isActive != nil && isActive(episode.EpisodeID) {
			continue
		}
		log.Printf("[WARN] episode %d was downloading with no transfer behind it, re-queued", episode.EpisodeID)
		updated, err := s.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
			e.Status = podcast.StatusPending
			e.Progress = 0
		})
		if err != nil {
			return nil, fmt.Errorf("re-queue episode %d: %w", episode.EpisodeID, err)
		}
		requeued = append(requeued, updated)
	}
	return requeued, nil
}

// SweepTemp removes temp files in the download root that have no active
// transfer behind them, typically leftovers of a crash. isActive is keyed
// by external episode id.
func (s *Stager) SweepTemp(isActive func(episodeID int64) bool) (int, error) {
	entities, err := os.ReadDir(s.Root)
	if err != nil {
		return 0, fmt.Errorf("can't scan folder %s: %w", s.Root, err)
	}

	removed := 0
	for _, entity := range entities {
		if entity.IsDir() || !strings.HasSuffix(entity.Name(), TempSuffix) {
			continue
		}
		if parsed, ok := ParseName(strings.TrimSuffix(entity.Name(), TempSuffix) + ".mp3"); ok {
			if isActive != nil && isActive(parsed.EpisodeID) {
				continue
			}
		}
		log.Printf("[INFO] remove stale temp file %s", entity.Name())
		s.Cleanup(filepath.Join(s.Root, entity.Name()))
		removed++
	}
	return removed, nil
}

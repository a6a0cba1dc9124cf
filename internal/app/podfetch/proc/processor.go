package proc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"podfetch/internal/app/podfetch/podcast"
)

// ArchiveStore is the cloud side of the pipeline: upload finished episode
// files and remove objects whose episode was demoted.
type ArchiveStore interface {
	ArchiveEpisode(ctx context.Context, objectName, filePath string) (string, error)
	DeleteEpisode(ctx context.Context, objectName string) error
}

// Processor wires the record store, transfer engine, retry scheduler and
// stager into the download pipeline. Every failed attempt is routed through
// the scheduler, which alone decides retry versus terminal failure.
type Processor struct {
	Storage           *BoltDB
	Downloader        *Downloader
	Retry             *Scheduler
	Stager            *Stager
	S3Client          ArchiveStore // nil when cloud storage is not configured
	Concurrency       int
	RetryClientErrors bool
}

// Download runs one transfer attempt and routes its outcome. On success it
// returns the final path. Failures are recorded through the retry
// scheduler; a cancelled attempt re-queues the episode without consuming a
// retry.
func (p *Processor) Download(ctx context.Context, episode *podcast.Episode) (string, error) {
	// An attempt arriving with the budget spent goes straight to failed:
	// no request is made for an exhausted episode.
	if episode.RetryCount >= p.Retry.Policy.MaxAttempts {
		message := episode.LastError
		if message == "" {
			message = fmt.Sprintf("exhausted %d attempts", episode.RetryCount)
		}
		if _, ferr := p.Retry.Fail(episode, message); ferr != nil {
			return "", ferr
		}
		return "", fmt.Errorf("episode %d exhausted %d attempts", episode.EpisodeID, episode.RetryCount)
	}

	finalPath, err := p.Downloader.Begin(ctx, episode)
	if err == nil {
		if meta, merr := ProbeAudio(finalPath); merr == nil && (meta.Title != "" || meta.Duration > 0) {
			log.Printf("[INFO] episode %d: %q, duration %s", episode.EpisodeID, meta.Title, meta.Duration.Round(time.Second))
		}
		return finalPath, nil
	}

	if errors.Is(err, ErrAlreadyActive) {
		return "", err
	}

	derr, ok := AsDownloadError(err)
	if !ok {
		// store or wiring failure, nothing to schedule
		return "", err
	}

	switch derr.Kind {
	case KindInsufficientSpace:
		// pre-flight rejection, surfaced to the caller and never auto-retried
		return "", err
	case KindCancelled:
		if _, uerr := p.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
			e.Status = podcast.StatusPending
		}); uerr != nil {
			log.Printf("[WARN] can't re-queue cancelled episode %d, %v", episode.EpisodeID, uerr)
		}
		return "", err
	}

	latest, gerr := p.Storage.GetByEpisodeID(episode.EpisodeID)
	if gerr != nil {
		return "", fmt.Errorf("load episode %d after failure: %w", episode.EpisodeID, gerr)
	}

	if !derr.Retryable(p.RetryClientErrors) {
		if _, ferr := p.Retry.Fail(latest, err.Error()); ferr != nil {
			return "", ferr
		}
		return "", err
	}

	if _, rerr := p.Retry.OnFailure(latest, err.Error(), p.resume); rerr != nil {
		return "", rerr
	}
	return "", err
}

// resume is invoked by the retry timer with the state re-read from the
// store. Its own failure routes back through the scheduler, bounded by
// the retry counter rather than the call stack.
func (p *Processor) resume(episode *podcast.Episode) {
	if _, err := p.Download(context.Background(), episode); err != nil {
		log.Printf("[DEBUG] retry attempt for episode %d finished with %v", episode.EpisodeID, err)
	}
}

// DownloadPending admits every pending episode to a bounded worker pool,
// first-in first-out by creation time, and waits for the batch.
func (p *Processor) DownloadPending(ctx context.Context) (int, error) {
	episodes, err := p.Storage.FindByStatus(podcast.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("find pending episodes: %w", err)
	}
	if len(episodes) == 0 {
		return 0, nil
	}

	workers := p.Concurrency
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan *podcast.Episode)
	downloaded := 0
	var mu sync.Mutex
	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for episode := range jobs {
				if _, err := p.Download(ctx, episode); err != nil {
					log.Printf("[WARN] can't download episode %d, %v", episode.EpisodeID, err)
					continue
				}
				mu.Lock()
				downloaded++
				mu.Unlock()
			}
		}()
	}

	for _, episode := range episodes {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return downloaded, ctx.Err()
		case jobs <- episode:
		}
	}
	close(jobs)
	wg.Wait()

	return downloaded, nil
}

// RetryNow serves a user-initiated retry, bypassing the backoff delay.
// Episodes whose attempts are exhausted stay failed; Reset is the explicit
// way to give them a fresh budget.
func (p *Processor) RetryNow(ctx context.Context, episodeID int64) (string, error) {
	episode, err := p.Storage.GetByEpisodeID(episodeID)
	if err != nil {
		return "", err
	}
	if episode.RetryCount >= p.Retry.Policy.MaxAttempts {
		return "", fmt.Errorf("episode %d exhausted %d attempts", episodeID, episode.RetryCount)
	}

	var finalPath string
	var dlErr error
	if err := p.Retry.ForceNow(episode, func(latest *podcast.Episode) {
		finalPath, dlErr = p.Download(ctx, latest)
	}); err != nil {
		return "", err
	}
	return finalPath, dlErr
}

// Cancel stops an in-flight transfer and clears any pending retry timer.
// A cancelled episode goes back to pending. It returns false when nothing
// was in flight.
func (p *Processor) Cancel(episodeID int64) bool {
	p.Retry.CancelTimer(episodeID)
	return p.Downloader.Cancel(episodeID)
}

// Reconcile repairs drift between the store and the disk: episodes whose
// file disappeared are demoted, episodes stranded as downloading by a
// crash go back to pending and stale temp files are swept. Archived
// copies of demoted episodes are removed from cloud storage; removing an
// object that was never uploaded is a no-op there.
func (p *Processor) Reconcile(ctx context.Context) (demoted, requeued []*podcast.Episode, sweptTemp int, err error) {
	demoted, err = p.Stager.Reconcile()
	if err != nil {
		return nil, nil, 0, err
	}
	if p.S3Client != nil {
		for _, episode := range demoted {
			if derr := p.S3Client.DeleteEpisode(ctx, FinalName(episode)); derr != nil {
				log.Printf("[WARN] can't remove archived object for episode %d, %v", episode.EpisodeID, derr)
			}
		}
	}
	requeued, err = p.Stager.RequeueStalled(p.Downloader.IsActive)
	if err != nil {
		return demoted, nil, 0, err
	}
	sweptTemp, err = p.Stager.SweepTemp(p.Downloader.IsActive)
	if err != nil {
		return demoted, requeued, 0, err
	}
	return demoted, requeued, sweptTemp, nil
}

// Archive moves transcribed episodes into the done folder and, when cloud
// storage is configured, uploads them.
func (p *Processor) Archive(ctx context.Context) (int, error) {
	episodes, err := p.Storage.FindByStatus(podcast.StatusTranscribed)
	if err != nil {
		return 0, fmt.Errorf("find transcribed episodes: %w", err)
	}

	archived := 0
	for _, episode := range episodes {
		if filepath.Dir(episode.LocalPath) == p.Stager.DonePath() {
			continue // already archived
		}

		done, err := p.Stager.MoveToDone(episode)
		if err != nil {
			log.Printf("[WARN] can't archive episode %d, %v", episode.EpisodeID, err)
			continue
		}
		if _, err := p.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
			e.LocalPath = done
		}); err != nil {
			return archived, fmt.Errorf("record done path for episode %d: %w", episode.EpisodeID, err)
		}

		if p.S3Client != nil {
			location, err := p.S3Client.ArchiveEpisode(ctx, filepath.Base(done), done)
			if err != nil {
				log.Printf("[WARN] can't upload episode %d, %v", episode.EpisodeID, err)
			} else {
				log.Printf("[INFO] uploaded episode %d to %s", episode.EpisodeID, location)
			}
		}
		archived++
	}
	return archived, nil
}

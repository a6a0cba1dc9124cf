package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"

	"podfetch/internal/app/podfetch/podcast"
)

const copyBufferSize = 32 * 1024

// ProgressEvent is emitted to observers on every received chunk.
// Total and ETASeconds are -1 when the remote does not announce a length.
type ProgressEvent struct {
	EpisodeID  int64
	Loaded     int64
	Total      int64
	Percentage int
	Speed      float64
	ETASeconds float64
}

// ProgressFunc observes transfer progress keyed by episode identifier.
type ProgressFunc func(event ProgressEvent)

type transfer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Downloader streams remote audio files to disk. One transfer per episode
// identifier may be in flight at a time; a second Begin for the same
// identifier is rejected with ErrAlreadyActive. Retry policy is not decided
// here, every failure surfaces as a typed *DownloadError for the scheduler.
type Downloader struct {
	Storage       *BoltDB
	Stager        *Stager
	Client        *http.Client
	RequiredBytes int64
	// IdleTimeout aborts a transfer when no body bytes arrive for this
	// long. The transport timeouts cover connect and headers only; a
	// server that stalls mid-body is caught here. Zero disables it.
	IdleTimeout time.Duration
	OnProgress  ProgressFunc

	mu     sync.Mutex
	active map[int64]*transfer
}

// NewHTTPClient builds the client used for episode transfers: connect and
// response-header timeout apply separately from total transfer time, and
// redirects are followed up to maxRedirects.
func NewHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       timeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Begin runs one transfer attempt for the episode and blocks until it
// finishes. On success the file is finalized under its canonical name and
// the store records status downloaded with progress 100. The returned path
// is the final path.
func (d *Downloader) Begin(ctx context.Context, episode *podcast.Episode) (string, error) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr, err := d.register(episode.EpisodeID, cancel)
	if err != nil {
		return "", err
	}
	defer d.deregister(episode.EpisodeID, tr)

	// Pre-flight: a space failure must short-circuit with zero bytes
	// transferred and no state mutation.
	ok, err := HasSpace(d.Stager.Root, d.RequiredBytes)
	if err != nil {
		return "", &DownloadError{Kind: KindInsufficientSpace, Err: err}
	}
	if !ok {
		return "", &DownloadError{Kind: KindInsufficientSpace,
			Err: fmt.Errorf("need %d bytes plus safety buffer at %s", d.RequiredBytes, d.Stager.Root)}
	}

	if _, err := d.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloading
		e.Progress = 0
	}); err != nil {
		return "", fmt.Errorf("mark episode %d downloading: %w", episode.EpisodeID, err)
	}

	tempPath := d.Stager.TempPath(episode)
	finalPath := d.Stager.FinalPath(episode)

	if err := d.stream(tctx, episode, tempPath); err != nil {
		d.Stager.Cleanup(tempPath)
		return "", err
	}

	if _, err := d.Stager.Finalize(tempPath, finalPath); err != nil {
		d.Stager.Cleanup(tempPath)
		return "", err
	}

	if _, err := d.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
		e.Status = podcast.StatusDownloaded
		e.Progress = 100
		e.LocalPath = finalPath
		e.LastError = ""
	}); err != nil {
		return "", fmt.Errorf("mark episode %d downloaded: %w", episode.EpisodeID, err)
	}

	log.Printf("[INFO] downloaded episode %d to %s", episode.EpisodeID, finalPath)
	return finalPath, nil
}

func (d *Downloader) stream(ctx context.Context, episode *podcast.Episode, tempPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, episode.AudioURL, nil)
	if err != nil {
		return &DownloadError{Kind: KindNetwork, Err: err}
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return d.classify(ctx, err, KindNetwork)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DownloadError{Kind: KindHTTPStatus, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(tempPath)
	if err != nil {
		return &DownloadError{Kind: KindWrite, Err: err}
	}
	defer func() { _ = out.Close() }()

	total := resp.ContentLength // -1 when unknown
	var loaded int64
	lastPercentage := 0
	started := time.Now()
	buf := make([]byte, copyBufferSize)

	// Closing the body is the only way to unblock a read stuck on a
	// stalled stream. The watchdog is re-armed after every chunk.
	var stalled atomic.Bool
	var watchdog *time.Timer
	if d.IdleTimeout > 0 {
		watchdog = time.AfterFunc(d.IdleTimeout, func() {
			stalled.Store(true)
			_ = resp.Body.Close()
		})
		defer watchdog.Stop()
	}

	for {
		n, readErr := resp.Body.Read(buf)
		if watchdog != nil && !stalled.Load() {
			watchdog.Reset(d.IdleTimeout)
		}
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return &DownloadError{Kind: KindWrite, Err: writeErr}
			}
			loaded += int64(n)
			lastPercentage = d.reportProgress(episode.EpisodeID, loaded, total, lastPercentage, started)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if stalled.Load() {
				return &DownloadError{Kind: KindNetwork,
					Err: fmt.Errorf("no data received for %s: %w", d.IdleTimeout, readErr)}
			}
			return d.classify(ctx, readErr, KindNetwork)
		}
	}

	if err := out.Close(); err != nil {
		return &DownloadError{Kind: KindWrite, Err: err}
	}
	return nil
}

// reportProgress persists progress and emits an event after each chunk.
// The percentage is recomputed only when the total is known; otherwise the
// last reported value stands and is never fabricated.
func (d *Downloader) reportProgress(episodeID, loaded, total int64, lastPercentage int, started time.Time) int {
	percentage := lastPercentage
	if total > 0 {
		percentage = int(math.Round(float64(loaded) / float64(total) * 100))
		if percentage > 100 {
			// servers sometimes under-report Content-Length
			percentage = 100
		}
	}

	elapsed := time.Since(started).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(loaded) / elapsed
	}
	eta := float64(-1)
	if total > 0 && speed > 0 {
		eta = float64(total-loaded) / speed
	}

	// Intentionally chatty: the final percentage reaching 100 matters more
	// than write amplification, which the store absorbs.
	if _, err := d.Storage.UpdateEpisode(episodeID, func(e *podcast.Episode) {
		e.Progress = percentage
	}); err != nil {
		log.Printf("[WARN] can't persist progress for episode %d, %v", episodeID, err)
	}

	if d.OnProgress != nil {
		d.OnProgress(ProgressEvent{
			EpisodeID:  episodeID,
			Loaded:     loaded,
			Total:      total,
			Percentage: percentage,
			Speed:      speed,
			ETASeconds: eta,
		})
	}
	return percentage
}

func (d *Downloader) classify(ctx context.Context, err error, fallback FailureKind) error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &DownloadError{Kind: KindCancelled, Err: err}
	}
	return &DownloadError{Kind: fallback, Err: err}
}

func (d *Downloader) register(episodeID int64, cancel context.CancelFunc) (*transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = make(map[int64]*transfer)
	}
	if _, exists := d.active[episodeID]; exists {
		return nil, fmt.Errorf("episode %d: %w", episodeID, ErrAlreadyActive)
	}
	tr := &transfer{cancel: cancel, done: make(chan struct{})}
	d.active[episodeID] = tr
	return tr, nil
}

func (d *Downloader) deregister(episodeID int64, tr *transfer) {
	d.mu.Lock()
	delete(d.active, episodeID)
	d.mu.Unlock()
	close(tr.done)
}

// Cancel signals the transfer for the episode and waits for its teardown.
// It returns false when no transfer is registered for the identifier.
func (d *Downloader) Cancel(episodeID int64) bool {
	d.mu.Lock()
	tr, ok := d.active[episodeID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	tr.cancel()
	<-tr.done
	return true
}

// IsActive reports whether a transfer is registered for the episode.
func (d *Downloader) IsActive(episodeID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[episodeID]
	return ok
}

// ActiveIDs returns the identifiers of all in-flight transfers.
func (d *Downloader) ActiveIDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	return ids
}

// Package podfetch assembles the episode download pipeline.
package podfetch

import (
	"context"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/go-pkgz/lgr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"podfetch/internal/app/podfetch/podcast"
	"podfetch/internal/app/podfetch/proc"
	"podfetch/internal/configs"
)

// App drives the download pipeline for external callers.
type App struct {
	config    *configs.Conf
	processor *proc.Processor
}

// NewApplication Создание нового приложения
func NewApplication(conf *configs.Conf, p *proc.Processor) (*App, error) {
	app := App{config: conf, processor: p}
	return &app, nil
}

// NewBoltDB opens the episode database file.
func NewBoltDB(dbFile string) (*bolt.DB, error) {
	db, err := bolt.Open(dbFile, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("can't open boltdb %s: %w", dbFile, err)
	}
	return db, nil
}

// NewS3Client builds a minio client for the archive bucket.
func NewS3Client(endpointURL, key, secret string, secure bool) (*minio.Client, error) {
	return minio.New(endpointURL, &minio.Options{
		Creds:  credentials.NewStaticV4(key, secret, ""),
		Secure: secure,
	})
}

// NewProcessor wires the store, stager, transfer engine and retry
// scheduler from the config. Every dependency is passed in explicitly, so
// independent pipelines (one per test, for example) never share state.
func NewProcessor(conf *configs.Conf, db *bolt.DB, s3client *proc.S3Store) (*proc.Processor, error) {
	storage := &proc.BoltDB{DB: db}
	stager := &proc.Stager{Root: conf.Storage.Folder, Storage: storage}
	if err := stager.EnsureDirs(); err != nil {
		return nil, err
	}
	if ok, issues := proc.ValidateDir(stager.Root); !ok {
		return nil, fmt.Errorf("download folder is unusable: %v", issues)
	}

	downloader := &proc.Downloader{
		Storage:       storage,
		Stager:        stager,
		Client:        proc.NewHTTPClient(conf.DownloadTimeout(), conf.Download.MaxRedirects),
		RequiredBytes: conf.RequiredSpaceBytes(),
		IdleTimeout:   conf.DownloadTimeout(),
	}
	scheduler := &proc.Scheduler{
		Storage: storage,
		Policy: proc.RetryPolicy{
			BaseDelay:   conf.RetryBaseDelay(),
			Multiplier:  conf.Retry.Multiplier,
			MaxDelay:    conf.RetryMaxDelay(),
			MaxAttempts: conf.Retry.MaxAttempts,
		},
	}

	p := &proc.Processor{
		Storage:           storage,
		Downloader:        downloader,
		Retry:             scheduler,
		Stager:            stager,
		Concurrency:       conf.Download.Concurrency,
		RetryClientErrors: conf.Download.RetryClientErrors,
	}
	if s3client != nil { // a typed nil must not make the interface non-nil
		p.S3Client = s3client
	}
	return p, nil
}

// DownloadEpisodes downloads every pending episode through the bounded
// worker pool.
func (a *App) DownloadEpisodes(ctx context.Context) {
	downloaded, err := a.processor.DownloadPending(ctx)
	if err != nil {
		log.Printf("[ERROR] download run stopped, %v", err)
		return
	}
	if downloaded > 0 {
		log.Printf("[INFO] downloaded %d episodes", downloaded)
	}
}

// Reconcile repairs drift between the store and the disk.
func (a *App) Reconcile(ctx context.Context) {
	demoted, requeued, sweptTemp, err := a.processor.Reconcile(ctx)
	if err != nil {
		log.Printf("[ERROR] can't reconcile, %v", err)
		return
	}
	log.Printf("[INFO] reconcile done: %d episodes demoted, %d re-queued, %d temp files removed",
		len(demoted), len(requeued), sweptTemp)
}

// RetryNow re-runs a failed episode immediately, bypassing the backoff delay.
func (a *App) RetryNow(ctx context.Context, episodeID int64) {
	finalPath, err := a.processor.RetryNow(ctx, episodeID)
	if err != nil {
		log.Printf("[ERROR] can't retry episode %d, %v", episodeID, err)
		return
	}
	log.Printf("[INFO] episode %d downloaded to %s", episodeID, finalPath)
}

// CancelDownload stops an in-flight transfer for the episode.
func (a *App) CancelDownload(episodeID int64) {
	if a.processor.Cancel(episodeID) {
		log.Printf("[INFO] cancelled download of episode %d", episodeID)
		return
	}
	log.Printf("[WARN] no active download for episode %d", episodeID)
}

// Archive moves transcribed episodes to the done folder and uploads them
// when cloud storage is configured.
func (a *App) Archive(ctx context.Context) {
	archived, err := a.processor.Archive(ctx)
	if err != nil {
		log.Printf("[ERROR] can't archive, %v", err)
		return
	}
	if archived > 0 {
		log.Printf("[INFO] archived %d episodes", archived)
	}
}

// Status logs episode counts per lifecycle status.
func (a *App) Status() {
	counts, err := a.processor.Storage.StatusCounts()
	if err != nil {
		log.Printf("[ERROR] can't read status counts, %v", err)
		return
	}
	for _, status := range podcast.AllStatuses() {
		if counts[status] > 0 {
			log.Printf("[INFO] %s: %d", status, counts[status])
		}
	}
}

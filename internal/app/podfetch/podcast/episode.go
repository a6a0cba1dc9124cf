// Package podcast holds the episode model shared across processors.
package podcast

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status of episode
type Status string

const (
	// StatusPending for episodes waiting to be downloaded
	StatusPending Status = "pending"
	// StatusDownloading for episodes with an in-flight transfer
	StatusDownloading Status = "downloading"
	// StatusDownloaded for episodes with a finalized file on disk
	StatusDownloaded Status = "downloaded"
	// StatusFailed for episodes whose retries are exhausted
	StatusFailed Status = "failed"
	// StatusTranscribing for episodes handed to the transcription tool
	StatusTranscribing Status = "transcribing"
	// StatusTranscribed for episodes with a finished transcript
	StatusTranscribed Status = "transcribed"
)

var allStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusDownloaded,
	StatusFailed,
	StatusTranscribing,
	StatusTranscribed,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// Episode of podcast. ID is the local row id assigned by the store,
// EpisodeID is the stable identifier carried by the feed.
type Episode struct {
	ID          int64     `json:"id"`
	EpisodeID   int64     `json:"episode_id"`
	PodcastID   int64     `json:"podcast_id"`
	PodcastName string    `json:"podcast_name"`
	AudioURL    string    `json:"audio_url"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	LocalPath   string    `json:"local_path,omitempty"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ImpliesFile reports whether the status implies a finalized file on disk.
func (s Status) ImpliesFile() bool {
	switch s {
	case StatusDownloaded, StatusTranscribing, StatusTranscribed:
		return true
	default:
		return false
	}
}

// SetFailed marks the episode as terminally failed with the given message.
func (e *Episode) SetFailed(message string) {
	e.Status = StatusFailed
	e.LastError = message
	e.Progress = 0
}

// Validate checks the fields required before an episode can be enqueued.
func (e *Episode) Validate() error {
	if e.EpisodeID <= 0 {
		return fmt.Errorf("episode id must be positive, got %d", e.EpisodeID)
	}
	if e.PodcastID <= 0 {
		return fmt.Errorf("podcast id must be positive, got %d", e.PodcastID)
	}
	if e.AudioURL == "" {
		return fmt.Errorf("audio url is required")
	}
	u, err := url.Parse(e.AudioURL)
	if err != nil {
		return fmt.Errorf("can't parse audio url %q: %w", e.AudioURL, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("audio url %q must be absolute http(s)", e.AudioURL)
	}
	return nil
}

package proc

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"podfetch/internal/app/podfetch/podcast"
)

// minRetryDelay floors every computed delay.
const minRetryDelay = time.Second

// RetryPolicy describes bounded exponential backoff with jitter.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the stock policy: 5s base, doubling per
// attempt, capped at 5 minutes, three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   5 * time.Second,
		Multiplier:  2,
		MaxDelay:    300 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay for the given attempt (1-based): base*multiplier^(attempt-1) with
// up to ±10% uniform jitter, never above MaxDelay and never below one second.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := p.BaseDelay.Seconds() * math.Pow(p.Multiplier, float64(attempt-1))
	seconds *= 0.9 + 0.2*rand.Float64() // nolint:gosec // jitter needs no crypto rand
	// cap while still a float: a large attempt overflows the Duration
	// conversion and would dodge both bounds
	if maxSeconds := p.MaxDelay.Seconds(); seconds > maxSeconds {
		seconds = maxSeconds
	}
	delay := time.Duration(seconds * float64(time.Second))
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	return delay
}

// ResumeFunc restarts a download attempt with the latest episode state.
type ResumeFunc func(episode *podcast.Episode)

// Scheduler owns the backoff policy and per-episode retry timers. It is
// the sole authority deciding retry versus terminal failure; the transfer
// engine never retries on its own. Retrying is a state transition driven
// by a timer event, so failures during a retried attempt route back here
// without growing the call stack, bounded by the retry counter.
type Scheduler struct {
	Storage *BoltDB
	Policy  RetryPolicy

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// OnFailure records errorText and either arms a retry timer or, when the
// attempts are exhausted, marks the episode terminally failed. The armed
// timer invokes resume with the episode state re-read from the store.
func (s *Scheduler) OnFailure(episode *podcast.Episode, errorText string, resume ResumeFunc) (*podcast.Episode, error) {
	if episode.RetryCount >= s.Policy.MaxAttempts {
		s.CancelTimer(episode.EpisodeID)
		updated, err := s.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
			e.SetFailed(errorText)
		})
		if err != nil {
			return nil, fmt.Errorf("mark episode %d failed: %w", episode.EpisodeID, err)
		}
		log.Printf("[WARN] episode %d failed after %d attempts: %s", episode.EpisodeID, episode.RetryCount, errorText)
		return updated, nil
	}

	updated, err := s.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
		e.RetryCount++
		e.Status = podcast.StatusPending
		e.LastError = errorText
	})
	if err != nil {
		return nil, fmt.Errorf("schedule retry for episode %d: %w", episode.EpisodeID, err)
	}

	delay := s.Policy.Delay(updated.RetryCount)
	log.Printf("[INFO] retry %d/%d for episode %d in %s: %s",
		updated.RetryCount, s.Policy.MaxAttempts, episode.EpisodeID, delay.Round(time.Millisecond), errorText)
	s.arm(episode.EpisodeID, delay, resume)
	return updated, nil
}

// Fail marks the episode terminally failed regardless of remaining
// attempts, used for failures that will not change on retry.
func (s *Scheduler) Fail(episode *podcast.Episode, errorText string) (*podcast.Episode, error) {
	s.CancelTimer(episode.EpisodeID)
	updated, err := s.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
		e.SetFailed(errorText)
	})
	if err != nil {
		return nil, fmt.Errorf("mark episode %d failed: %w", episode.EpisodeID, err)
	}
	log.Printf("[WARN] episode %d failed terminally: %s", episode.EpisodeID, errorText)
	return updated, nil
}

// arm replaces any live timer for the episode with a new one-shot timer.
func (s *Scheduler) arm(episodeID int64, delay time.Duration, resume ResumeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers == nil {
		s.timers = make(map[int64]*time.Timer)
	}
	if existing, ok := s.timers[episodeID]; ok {
		existing.Stop()
	}
	s.timers[episodeID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, episodeID)
		s.mu.Unlock()

		latest, err := s.Storage.GetByEpisodeID(episodeID)
		if err != nil {
			log.Printf("[WARN] can't load episode %d for retry, %v", episodeID, err)
			return
		}
		resume(latest)
	})
}

// TimerArmed reports whether a retry timer is live for the episode.
func (s *Scheduler) TimerArmed(episodeID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[episodeID]
	return ok
}

// CancelTimer clears a pending retry timer without touching the persisted
// status. It returns false when no timer was armed.
func (s *Scheduler) CancelTimer(episodeID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[episodeID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.timers, episodeID)
	return true
}

// CancelAll clears every pending retry timer.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// ForceNow cancels any pending timer, resets the episode to pending with
// the last error cleared and invokes resume synchronously. Used for
// user-initiated "retry now"; the retry counter is left untouched.
func (s *Scheduler) ForceNow(episode *podcast.Episode, resume ResumeFunc) error {
	s.CancelTimer(episode.EpisodeID)
	updated, err := s.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
		e.Status = podcast.StatusPending
		e.LastError = ""
	})
	if err != nil {
		return fmt.Errorf("force retry for episode %d: %w", episode.EpisodeID, err)
	}
	resume(updated)
	return nil
}

// Reset clears the retry counter and last error, used when an episode is
// re-imported with fresh source data.
func (s *Scheduler) Reset(episode *podcast.Episode) (*podcast.Episode, error) {
	s.CancelTimer(episode.EpisodeID)
	updated, err := s.Storage.UpdateEpisode(episode.EpisodeID, func(e *podcast.Episode) {
		e.RetryCount = 0
		e.LastError = ""
	})
	if err != nil {
		return nil, fmt.Errorf("reset episode %d: %w", episode.EpisodeID, err)
	}
	return updated, nil
}

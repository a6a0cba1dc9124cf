package proc

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"podfetch/internal/app/podfetch/podcast"
)

// UnknownDateToken replaces the date part when the published date is missing.
const UnknownDateToken = "unknown-date"

// TempSuffix marks in-progress files; they must not survive a finished transfer.
const TempSuffix = ".tmp"

const audioExt = ".mp3"

var namePattern = regexp.MustCompile(`^(\d+)_(\d+)_(\d{4}-\d{2}-\d{2}|` + UnknownDateToken + `)\.mp3$`)

// FinalName builds the canonical file name for an episode:
// {podcast_id}_{episode_id}_{YYYY-MM-DD}.mp3. Episodes sharing the same
// identifiers and date resolve to the same name; callers needing
// disambiguation must pre-suffix.
func FinalName(episode *podcast.Episode) string {
	date := UnknownDateToken
	if !episode.PublishedAt.IsZero() {
		date = episode.PublishedAt.Format("2006-01-02")
	}
	return fmt.Sprintf("%d_%d_%s%s", episode.PodcastID, episode.EpisodeID, date, audioExt)
}

// TempName is the FinalName stem with the extension replaced by .tmp.
func TempName(episode *podcast.Episode) string {
	name := FinalName(episode)
	return strings.TrimSuffix(name, audioExt) + TempSuffix
}

// ParsedName is the result of inverting FinalName.
type ParsedName struct {
	PodcastID int64
	EpisodeID int64
	Date      time.Time
	DateKnown bool
}

// ParseName inverts FinalName. It returns false for names that do not
// conform to the canonical pattern.
func ParseName(fileName string) (ParsedName, bool) {
	m := namePattern.FindStringSubmatch(filepath.Base(fileName))
	if m == nil {
		return ParsedName{}, false
	}

	podcastID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ParsedName{}, false
	}
	episodeID, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ParsedName{}, false
	}

	parsed := ParsedName{PodcastID: podcastID, EpisodeID: episodeID}
	if m[3] != UnknownDateToken {
		date, err := time.Parse("2006-01-02", m[3])
		if err != nil {
			return ParsedName{}, false
		}
		parsed.Date = date
		parsed.DateKnown = true
	}
	return parsed, true
}

// Matches reports whether a parsed name belongs to the given episode.
func (p ParsedName) Matches(episode *podcast.Episode) bool {
	if p.PodcastID != episode.PodcastID || p.EpisodeID != episode.EpisodeID {
		return false
	}
	if episode.PublishedAt.IsZero() {
		return !p.DateKnown
	}
	return p.DateKnown && p.Date.Format("2006-01-02") == episode.PublishedAt.Format("2006-01-02")
}

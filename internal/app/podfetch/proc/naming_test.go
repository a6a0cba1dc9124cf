package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podfetch/internal/app/podfetch/podcast"
)

func TestFinalName(t *testing.T) {
	episode := &podcast.Episode{
		PodcastID:   7,
		EpisodeID:   1234,
		PublishedAt: time.Date(2024, 3, 9, 11, 30, 0, 0, time.UTC),
	}
	assert.Equal(t, "7_1234_2024-03-09.mp3", FinalName(episode))
	assert.Equal(t, "7_1234_2024-03-09.tmp", TempName(episode))
}

func TestFinalNameUnknownDate(t *testing.T) {
	episode := &podcast.Episode{PodcastID: 7, EpisodeID: 1234}
	assert.Equal(t, "7_1234_unknown-date.mp3", FinalName(episode))
	assert.Equal(t, "7_1234_unknown-date.tmp", TempName(episode))
}

func TestParseNameRoundTrip(t *testing.T) {
	episode := &podcast.Episode{
		PodcastID:   42,
		EpisodeID:   990,
		PublishedAt: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	}

	parsed, ok := ParseName(FinalName(episode))
	require.True(t, ok)
	assert.Equal(t, int64(42), parsed.PodcastID)
	assert.Equal(t, int64(990), parsed.EpisodeID)
	assert.True(t, parsed.DateKnown)
	assert.Equal(t, "2023-12-31", parsed.Date.Format("2006-01-02"))
	assert.True(t, parsed.Matches(episode))
}

func TestParseNameUnknownDate(t *testing.T) {
	parsed, ok := ParseName("3_5_unknown-date.mp3")
	require.True(t, ok)
	assert.False(t, parsed.DateKnown)
	assert.True(t, parsed.Matches(&podcast.Episode{PodcastID: 3, EpisodeID: 5}))
}

func TestParseNameIgnoresDirectory(t *testing.T) {
	parsed, ok := ParseName("/var/episodes/7_1234_2024-03-09.mp3")
	require.True(t, ok)
	assert.Equal(t, int64(7), parsed.PodcastID)
}

func TestParseNameRejectsGarbage(t *testing.T) {
	for _, name := range []string{
		"episode.mp3",
		"7_1234_2024-03-09.tmp",
		"7_1234.mp3",
		"a_b_2024-03-09.mp3",
		"7_1234_09-03-2024.mp3",
	} {
		_, ok := ParseName(name)
		assert.False(t, ok, name)
	}
}

func TestParsedNameMatchesRejectsOtherEpisode(t *testing.T) {
	parsed, ok := ParseName("7_1234_2024-03-09.mp3")
	require.True(t, ok)

	other := &podcast.Episode{PodcastID: 7, EpisodeID: 4321, PublishedAt: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)}
	assert.False(t, parsed.Matches(other))

	wrongDate := &podcast.Episode{PodcastID: 7, EpisodeID: 1234, PublishedAt: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)}
	assert.False(t, parsed.Matches(wrongDate))
}

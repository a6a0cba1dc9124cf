package proc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/go-pkgz/lgr"

	"podfetch/internal/app/podfetch/podcast"
)

// BoltDB store
type BoltDB struct {
	DB *bolt.DB
}

var (
	episodesBucket = []byte("episodes")      // local row id -> episode json
	episodeIndex   = []byte("episodes_idx")  // external episode id -> local row id
)

// ErrEpisodeNotFound is returned when no record matches the requested id.
var ErrEpisodeNotFound = fmt.Errorf("episode not found")

// CreateEpisode adds a new record with status pending and a fresh row id.
// The external episode id must be unique.
func (b *BoltDB) CreateEpisode(episode *podcast.Episode) (*podcast.Episode, error) {
	if err := episode.Validate(); err != nil {
		return nil, err
	}

	err := b.DB.Update(func(tx *bolt.Tx) error {
		bucket, e := tx.CreateBucketIfNotExists(episodesBucket)
		if e != nil {
			return e
		}
		index, e := tx.CreateBucketIfNotExists(episodeIndex)
		if e != nil {
			return e
		}

		if existing := index.Get(itob(episode.EpisodeID)); existing != nil {
			return fmt.Errorf("episode %d already exists", episode.EpisodeID)
		}

		id, e := bucket.NextSequence()
		if e != nil {
			return e
		}
		episode.ID = int64(id)
		episode.Status = podcast.StatusPending
		episode.Progress = 0
		episode.RetryCount = 0
		now := time.Now()
		episode.CreatedAt = now
		episode.UpdatedAt = now

		jdata, jerr := json.Marshal(episode)
		if jerr != nil {
			return jerr
		}

		log.Printf("[INFO] save episode %d (%s) for podcast %d", episode.EpisodeID, episode.AudioURL, episode.PodcastID)
		if e = bucket.Put(itob(episode.ID), jdata); e != nil {
			return e
		}
		return index.Put(itob(episode.EpisodeID), itob(episode.ID))
	})
	if err != nil {
		return nil, err
	}

	return episode, nil
}

// GetByID returns the episode with the given local row id.
func (b *BoltDB) GetByID(id int64) (*podcast.Episode, error) {
	episode := &podcast.Episode{}
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket)
		if bucket == nil {
			return ErrEpisodeNotFound
		}
		item := bucket.Get(itob(id))
		if item == nil {
			return ErrEpisodeNotFound
		}
		return json.Unmarshal(item, episode)
	})
	if err != nil {
		return nil, err
	}
	return episode, nil
}

// GetByEpisodeID returns the episode with the given external identifier.
func (b *BoltDB) GetByEpisodeID(episodeID int64) (*podcast.Episode, error) {
	var rowID int64
	err := b.DB.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(episodeIndex)
		if index == nil {
			return ErrEpisodeNotFound
		}
		item := index.Get(itob(episodeID))
		if item == nil {
			return ErrEpisodeNotFound
		}
		rowID = btoi(item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.GetByID(rowID)
}

// FindByStatus returns episodes with the given status, ordered by creation
// time so batch admission stays first-in first-out.
func (b *BoltDB) FindByStatus(filterStatus podcast.Status) ([]*podcast.Episode, error) {
	var result []*podcast.Episode
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			item := podcast.Episode{}
			if err := json.Unmarshal(v, &item); err != nil {
				log.Printf("[WARN] failed to unmarshal, %v", err)
				continue
			}
			if item.Status != filterStatus {
				continue
			}
			result = append(result, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateEpisode applies mutate to the stored record inside a single write
// transaction and returns the updated copy. Concurrent writers for the
// same episode are serialized by the transaction.
func (b *BoltDB) UpdateEpisode(episodeID int64, mutate func(*podcast.Episode)) (*podcast.Episode, error) {
	episode := &podcast.Episode{}
	err := b.DB.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(episodeIndex)
		bucket := tx.Bucket(episodesBucket)
		if index == nil || bucket == nil {
			return ErrEpisodeNotFound
		}

		rowKey := index.Get(itob(episodeID))
		if rowKey == nil {
			return ErrEpisodeNotFound
		}
		item := bucket.Get(rowKey)
		if item == nil {
			return ErrEpisodeNotFound
		}
		if err := json.Unmarshal(item, episode); err != nil {
			return err
		}

		mutate(episode)
		episode.UpdatedAt = time.Now()

		jdata, jerr := json.Marshal(episode)
		if jerr != nil {
			return jerr
		}
		return bucket.Put(rowKey, jdata)
	})
	if err != nil {
		return nil, err
	}
	return episode, nil
}

// StatusCounts returns the number of episodes per status.
func (b *BoltDB) StatusCounts() (map[podcast.Status]int, error) {
	counts := make(map[podcast.Status]int)
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			item := podcast.Episode{}
			if err := json.Unmarshal(v, &item); err != nil {
				log.Printf("[WARN] failed to unmarshal, %v", err)
				continue
			}
			counts[item.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

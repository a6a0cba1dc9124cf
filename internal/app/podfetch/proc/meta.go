package proc

import (
	"fmt"
	"os"
	"time"

	"github.com/bogem/id3v2/v2"
	"github.com/tcolgate/mp3"
)

// AudioMeta is best-effort metadata read from a finalized episode file.
type AudioMeta struct {
	Title    string
	Artist   string
	Duration time.Duration
}

// ProbeAudio reads ID3 tags and estimates the duration of an mp3 file by
// decoding its frames. Missing tags and undecodable frames are not errors,
// only an unreadable file is.
func ProbeAudio(path string) (AudioMeta, error) {
	meta := AudioMeta{}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return meta, fmt.Errorf("can't open %s: %w", path, err)
	}
	meta.Title = tag.Title()
	meta.Artist = tag.Artist()
	_ = tag.Close()

	f, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("can't open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	decoder := mp3.NewDecoder(f)
	var frame mp3.Frame
	skipped := 0
	for {
		// io.EOF on a clean stream, any other error means trailing junk;
		// either way keep what was decoded so far
		if err := decoder.Decode(&frame, &skipped); err != nil {
			break
		}
		meta.Duration += frame.Duration()
	}

	return meta, nil
}

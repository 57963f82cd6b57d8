package fallback

import (
	"time"

	"github.com/mgoltzsche/realtime-dialogue/internal/audio"
)

// segmenter groups captured chunks into utterances using the chunk volume.
// An utterance ends after silence or when it reached the max duration.
type segmenter struct {
	format    audio.Format
	minVolume float64
	silence   time.Duration
	maxBytes  int
	quiet     time.Duration
	buf       []byte
}

func newSegmenter(format audio.Format, minVolume float64, silence, maxDuration time.Duration) *segmenter {
	return &segmenter{
		format:    format,
		minVolume: minVolume,
		silence:   silence,
		maxBytes:  format.ChunkSize(maxDuration),
		quiet:     silence,
	}
}

// add returns a completed utterance or nil.
func (s *segmenter) add(chunk []byte) []byte {
	if audio.RMS(chunk) > s.minVolume {
		s.quiet = 0
	} else {
		s.quiet += s.format.Duration(len(chunk))
	}

	if s.quiet < s.silence && len(s.buf)+len(chunk) <= s.maxBytes {
		s.buf = append(s.buf, chunk...)
		return nil
	}

	if len(s.buf) == 0 {
		return nil
	}

	utterance := s.buf
	s.buf = nil

	return utterance
}

// flush returns the incomplete utterance, if any.
func (s *segmenter) flush() []byte {
	utterance := s.buf
	s.buf = nil
	return utterance
}

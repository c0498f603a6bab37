package pipeline

import (
	"os"
	"path/filepath"

	"github.com/ulyssepence/rtt/log"
)

// scratch owns every temporary path one video can leave on disk:
// {video_id}.audio/, {video_id}.video/ and {video_id}.frames/. All stage
// exit paths funnel through it, and admission removes leftovers from a
// previous crashed run.
type scratch struct {
	baseDir string
	videoID string
}

func newScratch(baseDir, videoID string) *scratch {
	s := &scratch{baseDir: baseDir, videoID: videoID}
	s.removeAll()
	return s
}

func (s *scratch) AudioDir() string {
	return filepath.Join(s.baseDir, s.videoID+".audio")
}

func (s *scratch) VideoDir() string {
	return filepath.Join(s.baseDir, s.videoID+".video")
}

func (s *scratch) FramesDir() string {
	return filepath.Join(s.baseDir, s.videoID+".frames")
}

func (s *scratch) RemoveAudio() {
	s.remove(s.AudioDir())
}

func (s *scratch) RemoveVideo() {
	s.remove(s.VideoDir())
}

// Cleanup removes everything. Called on both success and failure.
func (s *scratch) Cleanup() {
	s.removeAll()
}

func (s *scratch) removeAll() {
	s.remove(s.AudioDir())
	s.remove(s.VideoDir())
	s.remove(s.FramesDir())
}

func (s *scratch) remove(path string) {
	if err := os.RemoveAll(path); err != nil {
		log.LogError(s.videoID, "failed removing scratch path", err, "path", path)
	}
}

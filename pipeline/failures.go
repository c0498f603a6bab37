package pipeline

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/ulyssepence/rtt/media"
)

// failureLog is the append-only, line-delimited record of dropped jobs. A
// single mutex keeps lines intact across workers; it is held only for the
// append.
type failureLog struct {
	mu sync.Mutex
	f  *os.File
}

func openFailureLog(path string) (*failureLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &failureLog{f: f}, nil
}

func (l *failureLog) Record(job media.VideoJob, failure error) error {
	line, err := json.Marshal(map[string]string{
		"video_id":   job.VideoID,
		"source_url": job.SourceURL,
		"title":      job.Title,
		"error":      failure.Error(),
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.f.Write(line)
	return err
}

func (l *failureLog) Close() error {
	return l.f.Close()
}

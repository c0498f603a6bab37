// Package server is the search service: it loads a directory of .rtt
// archives into the in-memory vector index at boot and answers semantic
// search, listing and collection queries, plus video and frame delivery.
package server

import (
	"context"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/ulyssepence/rtt/archive"
	"github.com/ulyssepence/rtt/clients"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/index"
	"github.com/ulyssepence/rtt/log"
	"github.com/ulyssepence/rtt/media"
	"github.com/ulyssepence/rtt/metrics"
)

type videoInfo struct {
	Title       string
	RemoteURL   string
	PageURL     string
	Collection  string
	Context     string
	LocalDir    string
	ArchivePath string
}

type Service struct {
	db       *index.Index
	embedder clients.Embedder
	videos   map[string]videoInfo
	resolved *gocache.Cache
	client   *http.Client
}

// New scans the given paths for archives, loads each one metadata-only,
// rejects archives whose embedding width is wrong, then merges and compacts
// the index so no user request pays the merge cost.
func New(paths []string, embedder clients.Embedder) (*Service, error) {
	s := &Service{
		db:       index.New(),
		embedder: embedder,
		videos:   make(map[string]videoInfo),
		resolved: gocache.New(6*time.Hour, 10*time.Minute),
		client:   &http.Client{Timeout: 30 * time.Second},
	}

	started := time.Now()
	files, err := collectArchives(paths)
	if err != nil {
		return nil, err
	}
	log.LogNoVideoID("found archives", "count", len(files))

	totalSegments := 0
	for _, path := range files {
		video, table, err := archive.LoadMetadata(path)
		if err != nil {
			log.LogNoVideoID("skipping unreadable archive", "path", path, "err", err.Error())
			metrics.Metrics.Search.ArchivesSkipped.Inc()
			continue
		}
		if len(table.Segments) > 0 && table.Dim != media.EmbeddingDim {
			log.LogNoVideoID("skipping archive with wrong embedding width",
				"path", path, "dim", table.Dim, "want", media.EmbeddingDim)
			metrics.Metrics.Search.ArchivesSkipped.Inc()
			continue
		}
		s.videos[video.VideoID] = videoInfo{
			Title:       video.Title,
			RemoteURL:   video.SourceURL,
			PageURL:     video.PageURL,
			Collection:  video.Collection,
			Context:     video.Context,
			LocalDir:    filepath.Dir(path),
			ArchivePath: path,
		}
		if err := s.db.AddTable(table.Segments, table.Embeddings); err != nil {
			log.LogNoVideoID("skipping archive rejected by index", "path", path, "err", err.Error())
			metrics.Metrics.Search.ArchivesSkipped.Inc()
			continue
		}
		totalSegments += len(table.Segments)
		metrics.Metrics.Search.ArchivesLoaded.Inc()
	}
	loaded := time.Now()
	log.LogNoVideoID("loaded archives",
		"videos", len(s.videos), "segments", totalSegments, "elapsed", loaded.Sub(started))

	s.db.EnsureMerged()
	s.db.Compact()
	metrics.Metrics.Search.IndexSegments.Set(float64(totalSegments))
	log.LogNoVideoID("merged search index", "elapsed", time.Since(loaded))
	return s, nil
}

func collectArchives(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".rtt") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// ListenAndServe runs the service until the context is cancelled, then
// drains with a short grace period.
func ListenAndServe(ctx context.Context, addr string, s *Service) error {
	router := s.Router()
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoVideoID("starting search service",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

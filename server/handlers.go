package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulyssepence/rtt/archive"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/log"
	"github.com/ulyssepence/rtt/media"
	"github.com/ulyssepence/rtt/middleware"
)

type SegmentResult struct {
	VideoID            string  `json:"video_id"`
	SegmentID          string  `json:"segment_id"`
	StartSeconds       float64 `json:"start_seconds"`
	EndSeconds         float64 `json:"end_seconds"`
	SourceURL          string  `json:"source_url"`
	Title              string  `json:"title"`
	TranscriptRaw      string  `json:"transcript_raw"`
	TranscriptEnriched string  `json:"transcript_enriched"`
	FrameURL           *string `json:"frame_url,omitempty"`
	PageURL            *string `json:"page_url,omitempty"`
	Collection         string  `json:"collection"`
	Context            string  `json:"context"`
	Score              float64 `json:"score"`
}

type SearchResponse struct {
	Query   string          `json:"query"`
	Results []SegmentResult `json:"results"`
}

type SegmentsResponse struct {
	Segments []SegmentResult `json:"segments"`
	Total    int             `json:"total"`
	Offset   int             `json:"offset"`
	Limit    int             `json:"limit"`
}

type CollectionInfo struct {
	ID           string `json:"id"`
	VideoCount   int    `json:"video_count"`
	SegmentCount int    `json:"segment_count"`
}

type CollectionsResponse struct {
	Collections []CollectionInfo `json:"collections"`
}

func (s *Service) Router() *httprouter.Router {
	router := httprouter.New()
	withCORS := middleware.AllowCORS()
	handle := func(name string, h httprouter.Handle) httprouter.Handle {
		return middleware.LogRequest(name)(withCORS(h))
	}

	router.GET("/ok", handle("ok", s.handleOk))
	router.GET("/search", handle("search", s.handleSearch))
	router.GET("/segments", handle("segments", s.handleSegments))
	router.GET("/collections", handle("collections", s.handleCollections))
	router.GET("/video/:videoID", handle("video", s.handleVideo))
	router.GET("/video/:videoID/resolve", handle("resolve", s.handleResolve))
	router.GET("/static/segments", handle("segments", s.handleSegments))
	router.GET("/static/frames/:videoID/:filename", handle("frame", s.handleFrame))
	router.GET("/static/video/:videoID/segments", handle("video_segments", s.handleVideoSegments))
	router.Handler("GET", "/metrics", promhttp.Handler())
	return router
}

func (s *Service) handleOk(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	io.WriteString(w, "OK")
}

func (s *Service) toResult(seg media.Segment, score float64) SegmentResult {
	info := s.videos[seg.VideoID]
	result := SegmentResult{
		VideoID:            seg.VideoID,
		SegmentID:          seg.SegmentID,
		StartSeconds:       seg.StartSeconds,
		EndSeconds:         seg.EndSeconds,
		SourceURL:          "/video/" + seg.VideoID,
		Title:              info.Title,
		TranscriptRaw:      seg.TranscriptRaw,
		TranscriptEnriched: seg.TranscriptEnriched,
		Collection:         info.Collection,
		Context:            info.Context,
		Score:              score,
	}
	if info.RemoteURL != "" {
		result.SourceURL = info.RemoteURL
	}
	if info.PageURL != "" {
		pageURL := info.PageURL
		result.PageURL = &pageURL
	}
	if seg.FramePath != "" {
		frameURL := "/static/frames/" + seg.VideoID + "/" + filepath.Base(seg.FramePath)
		result.FrameURL = &frameURL
	}
	return result
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogNoVideoID("error writing response", "err", err.Error())
	}
}

func parseCollections(r *http.Request) []string {
	raw := r.URL.Query().Get("collections")
	if raw == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// parseBounded reads an integer query parameter, enforcing inclusive bounds.
func parseBounded(r *http.Request, name string, fallback, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewInvalidInputError(name+" must be an integer", err)
	}
	if v < min || v > max {
		return 0, errors.NewInvalidInputError(name+" out of range", nil)
	}
	return v, nil
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	collections := parseCollections(r)
	n, err := parseBounded(r, "n", 50, 1, 200)
	if err != nil {
		errors.WriteHTTPBadRequest(w, err.Error(), nil)
		return
	}

	if segmentID := r.URL.Query().Get("segment_id"); segmentID != "" {
		_, vec, ok := s.db.GetSegment(segmentID)
		if !ok {
			errors.WriteHTTPNotFound(w, "Segment not found", nil)
			return
		}
		writeJSON(w, SearchResponse{
			Query:   "similar:" + segmentID,
			Results: s.search(vec, n, collections),
		})
		return
	}

	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		errors.WriteHTTPBadRequest(w, "Empty query", nil)
		return
	}

	vec, err := s.embedder.Embed(r.Context(), q)
	if err != nil {
		log.LogNoVideoID("query embedding failed", "err", err.Error())
		errors.WriteHTTPInternalServerError(w, "embedding failed", err)
		return
	}
	writeJSON(w, SearchResponse{Query: q, Results: s.search(vec, n, collections)})
}

func (s *Service) search(vec []float32, n int, collections []string) []SegmentResult {
	hits := s.db.Closest(vec, n, collections)
	results := make([]SegmentResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, s.toResult(hit.Segment, hit.Distance))
	}
	return results
}

func (s *Service) handleSegments(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	collections := parseCollections(r)
	offset, err := parseBounded(r, "offset", 0, 0, 1<<30)
	if err != nil {
		errors.WriteHTTPBadRequest(w, err.Error(), nil)
		return
	}
	limit, err := parseBounded(r, "limit", 50, 1, 200)
	if err != nil {
		errors.WriteHTTPBadRequest(w, err.Error(), nil)
		return
	}

	rows := s.db.ListSegments(offset, limit, collections)
	results := make([]SegmentResult, 0, len(rows))
	for _, seg := range rows {
		results = append(results, s.toResult(seg, 0))
	}
	writeJSON(w, SegmentsResponse{
		Segments: results,
		Total:    s.db.Count(collections),
		Offset:   offset,
		Limit:    limit,
	})
}

func (s *Service) handleCollections(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	videoCounts := make(map[string]int)
	for _, info := range s.videos {
		videoCounts[info.Collection]++
	}
	ids := make([]string, 0, len(videoCounts))
	for id := range videoCounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	collections := make([]CollectionInfo, 0, len(ids))
	for _, id := range ids {
		collections = append(collections, CollectionInfo{
			ID:           id,
			VideoCount:   videoCounts[id],
			SegmentCount: s.db.Count([]string{id}),
		})
	}
	writeJSON(w, CollectionsResponse{Collections: collections})
}

func (s *Service) handleVideoSegments(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	videoID := ps.ByName("videoID")
	if _, ok := s.videos[videoID]; !ok {
		errors.WriteHTTPNotFound(w, "Video not found", nil)
		return
	}
	rows := s.db.VideoSegments(videoID)
	results := make([]SegmentResult, 0, len(rows))
	for _, seg := range rows {
		results = append(results, s.toResult(seg, 0))
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	writeJSON(w, results)
}

func (s *Service) handleFrame(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	videoID := ps.ByName("videoID")
	filename := ps.ByName("filename")
	info, ok := s.videos[videoID]
	if !ok {
		errors.WriteHTTPNotFound(w, "Video not found", nil)
		return
	}
	data, err := archive.ReadFrame(info.ArchivePath, filename)
	if err != nil {
		if errors.IsNotFound(err) {
			errors.WriteHTTPNotFound(w, "Frame not found", nil)
			return
		}
		errors.WriteHTTPInternalServerError(w, "failed reading frame", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := w.Write(data); err != nil {
		log.LogNoVideoID("error writing frame", "err", err.Error())
	}
}

// handleResolve returns the playable URL for a video, following redirects
// once and caching the outcome.
func (s *Service) handleResolve(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	videoID := ps.ByName("videoID")
	info, ok := s.videos[videoID]
	if !ok {
		errors.WriteHTTPNotFound(w, "Video not found", nil)
		return
	}
	if cached, found := s.resolved.Get(videoID); found {
		writeJSON(w, map[string]string{"url": cached.(string)})
		return
	}
	if info.RemoteURL == "" {
		writeJSON(w, map[string]string{"url": "/video/" + videoID})
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, info.RemoteURL, nil)
	if err != nil {
		writeJSON(w, map[string]string{"url": "/video/" + videoID})
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		writeJSON(w, map[string]string{"url": "/video/" + videoID})
		return
	}
	resp.Body.Close()
	final := resp.Request.URL.String()
	s.resolved.SetDefault(videoID, final)
	writeJSON(w, map[string]string{"url": final})
}

// handleVideo serves the local media file when one sits beside the archive,
// and otherwise range-proxies the remote URL.
func (s *Service) handleVideo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	videoID := ps.ByName("videoID")
	info, ok := s.videos[videoID]
	if !ok {
		errors.WriteHTTPNotFound(w, "Video not found", nil)
		return
	}
	for _, ext := range []string{".mp4", ".webm", ".mkv"} {
		candidate := filepath.Join(info.LocalDir, videoID+ext)
		if _, err := os.Stat(candidate); err == nil {
			http.ServeFile(w, r, candidate)
			return
		}
	}
	if info.RemoteURL == "" {
		errors.WriteHTTPNotFound(w, "Video file not found", nil)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, info.RemoteURL, nil)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "failed building upstream request", err)
		return
	}
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	upstream, err := s.client.Do(req)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "failed fetching remote video", err)
		return
	}
	defer upstream.Body.Close()

	for _, key := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := upstream.Header.Get(key); v != "" {
			w.Header().Set(key, v)
		}
	}
	contentType := upstream.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(upstream.StatusCode)
	if _, err := io.Copy(w, upstream.Body); err != nil {
		log.LogNoVideoID("error streaming remote video", "video_id", videoID, "err", err.Error())
	}
}

package clients

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/asticode/go-astisub"
	"github.com/google/uuid"
	"github.com/grafov/m3u8"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/log"
	"github.com/ulyssepence/rtt/media"
)

// YtDlp drives the yt-dlp binary for the video platform: media downloads,
// info/metadata fetches, subtitle track resolution and channel listings.
type YtDlp struct {
	Bin      string
	CacheDir string
	client   *http.Client
}

func NewYtDlp() *YtDlp {
	return &YtDlp{
		Bin:      "yt-dlp",
		CacheDir: filepath.Join(config.CacheDir(), "ytdlp"),
		client:   newHTTPClient(30 * time.Second),
	}
}

func (y *YtDlp) VideoID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host == "youtu.be" {
		id := strings.Trim(u.Path, "/")
		return id, id != ""
	}
	if host == "youtube.com" || host == "m.youtube.com" {
		if v := u.Query().Get("v"); v != "" {
			return v, true
		}
	}
	return "", false
}

func (y *YtDlp) VideoURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(videoID)
}

type ytCaption struct {
	Ext      string `json:"ext"`
	Protocol string `json:"protocol"`
	URL      string `json:"url"`
}

type ytInfo struct {
	ID                string                 `json:"id"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	Subtitles         map[string][]ytCaption `json:"subtitles"`
	AutomaticCaptions map[string][]ytCaption `json:"automatic_captions"`
	Entries           []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"entries"`
}

func (y *YtDlp) fetchInfo(ctx context.Context, target string, flat bool) (*ytInfo, error) {
	args := []string{"-J", "--no-warnings", "--cache-dir", y.CacheDir}
	if flat {
		args = append(args, "--flat-playlist")
	}
	args = append(args, target)
	cmd := exec.CommandContext(ctx, y.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.NewServiceError("platform_error",
			fmt.Sprintf("yt-dlp info fetch failed: %s", firstLine(stderr.String())), err)
	}
	var info ytInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, errors.NewServiceError("platform_error", "yt-dlp produced malformed JSON", err)
	}
	return &info, nil
}

// Subtitles resolves the video's English subtitle track: a manual VTT track
// if one exists, otherwise the auto-generated captions reachable through
// their m3u8 playlist. Returns nil, nil when neither is available.
func (y *YtDlp) Subtitles(ctx context.Context, videoID string) ([]media.Segment, error) {
	info, err := y.fetchInfo(ctx, y.VideoURL(videoID), false)
	if err != nil {
		return nil, err
	}

	vttURL := ""
	for _, sub := range info.Subtitles["en"] {
		if sub.Ext == "vtt" && sub.URL != "" {
			vttURL = sub.URL
			break
		}
	}
	if vttURL == "" {
		for _, cap := range info.AutomaticCaptions["en"] {
			if cap.Protocol == "m3u8_native" && cap.URL != "" {
				vttURL, err = y.resolveCaptionPlaylist(ctx, cap.URL)
				if err != nil {
					return nil, err
				}
				break
			}
		}
	}
	if vttURL == "" {
		return nil, nil
	}

	vtt, err := y.get(ctx, vttURL)
	if err != nil {
		return nil, errors.NewServiceError("platform_error", "failed to download subtitle track", err)
	}
	subs, err := astisub.ReadFromWebVTT(bytes.NewReader(vtt))
	if err != nil {
		return nil, errors.NewServiceError("platform_error", "failed to parse subtitle track", err)
	}

	segments := make([]media.Segment, 0, len(subs.Items))
	for _, item := range subs.Items {
		var lines []string
		for _, line := range item.Lines {
			if s := strings.TrimSpace(line.String()); s != "" {
				lines = append(lines, s)
			}
		}
		if len(lines) == 0 {
			continue
		}
		segments = append(segments, media.Segment{
			StartSeconds:  item.StartAt.Seconds(),
			EndSeconds:    item.EndAt.Seconds(),
			TranscriptRaw: strings.Join(lines, " "),
		})
	}
	return segments, nil
}

// resolveCaptionPlaylist walks the auto-caption m3u8 playlist and returns the
// URI of its first media segment, which is the actual VTT document.
func (y *YtDlp) resolveCaptionPlaylist(ctx context.Context, playlistURL string) (string, error) {
	data, err := y.get(ctx, playlistURL)
	if err != nil {
		return "", errors.NewServiceError("platform_error", "failed to download caption playlist", err)
	}
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return "", errors.NewServiceError("platform_error", "failed to parse caption playlist", err)
	}
	if listType != m3u8.MEDIA {
		return "", errors.NewServiceError("platform_error", "caption playlist is not a media playlist", nil)
	}
	mediaPlaylist := playlist.(*m3u8.MediaPlaylist)
	for _, seg := range mediaPlaylist.Segments {
		if seg != nil && seg.URI != "" {
			return seg.URI, nil
		}
	}
	return "", errors.NewServiceError("platform_error", "caption playlist has no segments", nil)
}

func (y *YtDlp) DownloadAudio(ctx context.Context, videoID, dir string) (string, error) {
	return y.download(ctx, videoID, dir, "bestaudio")
}

func (y *YtDlp) DownloadVideo(ctx context.Context, videoID, dir string) (string, error) {
	return y.download(ctx, videoID, dir, "bestvideo+bestaudio/best")
}

func (y *YtDlp) download(ctx context.Context, videoID, dir, format string) (string, error) {
	name := uuid.NewString()
	cmd := exec.CommandContext(ctx, y.Bin,
		"-f", format,
		"-P", dir,
		"-o", name+".%(ext)s",
		"--no-warnings",
		"--cache-dir", y.CacheDir,
		y.VideoURL(videoID),
	)
	streamStderr(videoID, cmd)
	if err := cmd.Run(); err != nil {
		return "", errors.NewServiceError("platform_error", "yt-dlp download failed", err)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range dirEntries {
		if strings.HasPrefix(e.Name(), name) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", errors.NewServiceError("platform_error",
		fmt.Sprintf("no matching file produced in directory %s", dir), nil)
}

// Channel lists a channel's videos as batch jobs.
func (y *YtDlp) Channel(ctx context.Context, channelURL string) ([]media.VideoJob, error) {
	if !strings.HasSuffix(channelURL, "/videos") {
		channelURL = strings.TrimRight(channelURL, "/") + "/videos"
	}
	info, err := y.fetchInfo(ctx, channelURL, true)
	if err != nil {
		return nil, err
	}
	jobs := make([]media.VideoJob, 0, len(info.Entries))
	for _, e := range info.Entries {
		jobs = append(jobs, media.VideoJob{
			VideoID:   e.ID,
			Title:     e.Title,
			SourceURL: y.VideoURL(e.ID),
			PageURL:   y.VideoURL(e.ID),
		})
	}
	return jobs, nil
}

func (y *YtDlp) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s returned HTTP %d", log.RedactURL(rawURL), resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// streamStderr forwards the subprocess's progress output into the log.
func streamStderr(videoID string, cmd *exec.Cmd) {
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return
	}
	go func() {
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				log.Log(videoID, "yt-dlp", "line", line)
			}
		}
	}()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

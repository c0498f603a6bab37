package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/log"
	"github.com/ulyssepence/rtt/media"
)

const assemblyAIBaseURL = "https://api.assemblyai.com"

// AssemblyAITranscriber submits a media URL for transcription and polls until
// the transcript is done.
type AssemblyAITranscriber struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	client       *http.Client
}

func NewAssemblyAITranscriber(apiKey string) *AssemblyAITranscriber {
	return &AssemblyAITranscriber{
		APIKey:       apiKey,
		BaseURL:      assemblyAIBaseURL,
		PollInterval: 3 * time.Second,
		client:       newHTTPClient(30 * time.Second),
	}
}

type aaiTranscript struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	Utterances []struct {
		Text  string `json:"text"`
		Start int64  `json:"start"`
		End   int64  `json:"end"`
	} `json:"utterances"`
	Words []struct {
		Text  string `json:"text"`
		Start int64  `json:"start"`
		End   int64  `json:"end"`
	} `json:"words"`
}

// TranscribeURL accepts an http(s) URL or a local audio path; local files
// are uploaded first.
func (t *AssemblyAITranscriber) TranscribeURL(ctx context.Context, mediaURL, videoID string) ([]media.Segment, error) {
	if !strings.HasPrefix(mediaURL, "http://") && !strings.HasPrefix(mediaURL, "https://") {
		uploaded, err := t.upload(ctx, mediaURL)
		if err != nil {
			return nil, errors.NewServiceError("asr_error", "failed to upload local audio", err)
		}
		mediaURL = uploaded
	}
	body, err := json.Marshal(map[string]interface{}{
		"audio_url":    mediaURL,
		"speech_model": "best",
	})
	if err != nil {
		return nil, err
	}
	var submitted aaiTranscript
	if err := t.do(ctx, http.MethodPost, "/v2/transcript", body, &submitted); err != nil {
		return nil, errors.NewServiceError("asr_error", "failed to submit transcription", err)
	}
	log.Log(videoID, "submitted transcription", "transcript_id", submitted.ID)

	var result aaiTranscript
	poll := func() error {
		if err := t.do(ctx, http.MethodGet, "/v2/transcript/"+submitted.ID, nil, &result); err != nil {
			return backoff.Permanent(err)
		}
		switch result.Status {
		case "completed", "error":
			return nil
		default:
			return fmt.Errorf("transcript %s still %s", submitted.ID, result.Status)
		}
	}
	if err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(t.PollInterval), ctx)); err != nil {
		return nil, errors.NewServiceError("asr_error", "failed polling transcription", err)
	}
	if result.Status == "error" {
		return nil, errors.NewServiceError("asr_error", "transcription failed: "+result.Error, nil)
	}

	segments := make([]media.Segment, 0, len(result.Utterances))
	for _, u := range result.Utterances {
		segments = append(segments, media.Segment{
			StartSeconds:  float64(u.Start) / 1000.0,
			EndSeconds:    float64(u.End) / 1000.0,
			TranscriptRaw: u.Text,
		})
	}
	if len(segments) == 0 && len(result.Words) > 0 {
		segments = t.segmentsFromWords(result)
	}
	return media.Normalize(videoID, "transcript", segments, media.NormalizeOpts{
		OverlapAllowanceSecs: config.OverlapAllowanceSecs,
	}), nil
}

// segmentsFromWords groups word timings into segments, splitting wherever the
// silence between words exceeds the gap threshold. Used when the service
// returns words but no utterances.
func (t *AssemblyAITranscriber) segmentsFromWords(result aaiTranscript) []media.Segment {
	var segments []media.Segment
	var text bytes.Buffer
	var start, end int64
	flush := func() {
		if text.Len() > 0 {
			segments = append(segments, media.Segment{
				StartSeconds:  float64(start) / 1000.0,
				EndSeconds:    float64(end) / 1000.0,
				TranscriptRaw: text.String(),
			})
			text.Reset()
		}
	}
	for _, w := range result.Words {
		if text.Len() > 0 && w.Start-end > config.MaxWordGapMillis {
			flush()
		}
		if text.Len() == 0 {
			start = w.Start
		} else {
			text.WriteByte(' ')
		}
		text.WriteString(w.Text)
		end = w.End
	}
	flush()
	return segments
}

// upload streams a local file to the service and returns its transient URL.
func (t *AssemblyAITranscriber) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/v2/upload", f)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", t.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upload returned HTTP %d", resp.StatusCode)
	}
	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.UploadURL, nil
}

func (t *AssemblyAITranscriber) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", t.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s returned HTTP %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

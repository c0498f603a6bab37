// Package prereq is the readiness gate: it checks that the external tools,
// services and keys a command depends on are actually present before any
// work starts.
package prereq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/errors"
)

// Needs declares which prerequisites a command requires.
type Needs struct {
	FFmpeg     bool
	YtDlp      bool
	Ollama     bool
	Anthropic  bool
	AssemblyAI bool
}

// Checker runs the individual probes. NewChecker returns one that checks the
// real environment; tests override the fields.
type Checker struct {
	OllamaURL  string
	LookPath   func(string) (string, error)
	Getenv     func(string) string
	HTTPClient *http.Client
}

func NewChecker() *Checker {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	return &Checker{
		OllamaURL:  config.OllamaURL(),
		LookPath:   exec.LookPath,
		Getenv:     os.Getenv,
		HTTPClient: client.StandardClient(),
	}
}

// Check returns one error per missing prerequisite, all human-readable.
func (c *Checker) Check(needs Needs) []error {
	var errs []error

	if needs.FFmpeg {
		if _, err := c.LookPath("ffmpeg"); err != nil {
			errs = append(errs, errors.NewPrerequisiteError("ffmpeg not found in PATH — install from https://ffmpeg.org/"))
		}
	}
	if needs.YtDlp {
		if _, err := c.LookPath("yt-dlp"); err != nil {
			errs = append(errs, errors.NewPrerequisiteError("yt-dlp not found in PATH — install from https://github.com/yt-dlp/yt-dlp"))
		}
	}
	if needs.Ollama {
		if !c.ollamaRunning() {
			errs = append(errs, errors.NewPrerequisiteError("Ollama not running at %s — start with: ollama serve", c.OllamaURL))
		} else if !c.ollamaHasModel(config.EmbeddingModel) {
			errs = append(errs, errors.NewPrerequisiteError("Ollama model '%s' not found — pull with: ollama pull %s", config.EmbeddingModel, config.EmbeddingModel))
		}
	}
	if needs.Anthropic && c.Getenv("ANTHROPIC_API_KEY") == "" {
		errs = append(errs, errors.NewPrerequisiteError("ANTHROPIC_API_KEY not set — add it to .env or export it"))
	}
	if needs.AssemblyAI && c.Getenv("ASSEMBLYAI_API_KEY") == "" {
		errs = append(errs, errors.NewPrerequisiteError("ASSEMBLYAI_API_KEY not set — add it to .env or export it"))
	}
	return errs
}

// Require prints every missing prerequisite to stderr and reports whether
// the command may proceed.
func (c *Checker) Require(needs Needs) bool {
	errs := c.Check(needs)
	if len(errs) == 0 {
		return true
	}
	fmt.Fprintln(os.Stderr, "Missing requirements:")
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", err)
	}
	return false
}

func (c *Checker) ollamaRunning() bool {
	resp, err := c.HTTPClient.Get(c.OllamaURL + "/api/tags")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *Checker) ollamaHasModel(model string) bool {
	body, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return false
	}
	resp, err := c.HTTPClient.Post(c.OllamaURL+"/api/show", "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

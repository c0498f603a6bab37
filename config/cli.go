package config

import (
	"flag"
	"fmt"
	"strings"
)

type Cli struct {
	HTTPAddress               string
	OutputDir                 string
	Collection                string
	SkipEnrich                bool
	FailuresPath              string
	MetricsDBConnectionString string

	TranscribeWorkers int
	EnrichWorkers     int
	EmbedWorkers      int
	FramesWorkers     int
}

// AddrFlag registers a listen-address flag that accepts either ":port" or
// "host:port".
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			return nil
		}
		if !strings.Contains(s, ":") {
			return fmt.Errorf("invalid address %q, expected host:port or :port", s)
		}
		*dest = s
		return nil
	})
	*dest = value
}

// CommaSliceFlag registers a flag parsed as a comma-separated list.
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = nil
			return nil
		}
		split := strings.Split(s, ",")
		out := make([]string, 0, len(split))
		for _, v := range split {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		*dest = out
		return nil
	})
}

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/media"
	"sigs.k8s.io/yaml"
)

var jobsSchema = func() *gojsonschema.Schema {
	loader := gojsonschema.NewStringLoader(`{
		"definitions": {
			"job": {
				"type": "object",
				"properties": {
					"video_id": { "type": "string", "minLength": 1 },
					"title": { "type": "string" },
					"source_url": { "type": "string", "minLength": 1 },
					"page_url": { "type": "string" },
					"context": { "type": "string" },
					"collection": { "type": "string" }
				},
				"required": [ "video_id", "title", "source_url" ],
				"additionalProperties": false
			}
		},
		"oneOf": [
			{ "$ref": "#/definitions/job" },
			{ "type": "array", "items": { "$ref": "#/definitions/job" } }
		]
	}`)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic(err)
	}
	return schema
}()

// LoadJobs resolves a jobs file, or a directory of jobs files, into the
// batch input. Files may be JSON or YAML and hold either one job object or a
// list.
func LoadJobs(input string) ([]media.VideoJob, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("cannot read jobs input %s", input), err)
	}
	if !info.IsDir() {
		return loadJobsFile(input)
	}

	dirEntries, err := os.ReadDir(input)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range dirEntries {
		switch filepath.Ext(e.Name()) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var jobs []media.VideoJob
	for _, name := range names {
		fileJobs, err := loadJobsFile(filepath.Join(input, name))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, fileJobs...)
	}
	return jobs, nil
}

func loadJobsFile(path string) ([]media.VideoJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := filepath.Ext(path)
	if ext == ".yaml" || ext == ".yml" {
		if data, err = yaml.YAMLToJSON(data); err != nil {
			return nil, errors.NewInvalidInputError(fmt.Sprintf("malformed YAML in %s", path), err)
		}
	}

	result, err := jobsSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("malformed jobs file %s", path), err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for _, desc := range result.Errors() {
			sb.WriteString(desc.String())
			sb.WriteString("; ")
		}
		return nil, errors.NewInvalidInputError(
			fmt.Sprintf("invalid jobs file %s: %s", path, sb.String()), nil)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var jobs []media.VideoJob
		if err := json.Unmarshal(data, &jobs); err != nil {
			return nil, err
		}
		return jobs, nil
	}
	var job media.VideoJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return []media.VideoJob{job}, nil
}

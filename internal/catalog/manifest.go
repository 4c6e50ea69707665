package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// manifest mirrors services/<name>/config/service.json.
type manifest struct {
	Prefix         string                  `json:"prefix"`
	URL            string                  `json:"url"`
	Domain         string                  `json:"domain,omitempty"`
	Type           string                  `json:"type,omitempty"`
	Runners        int                     `json:"runners,omitempty"`
	MemoryLimitMB  int                     `json:"memory_limit_mb,omitempty"`
	Schedules      []manifestSchedule      `json:"schedules,omitempty"`
	QueueListeners []manifestQueueListener `json:"queue_listeners,omitempty"`
}

type manifestSchedule struct {
	Endpoint    string `json:"endpoint"`
	IntervalSec int    `json:"interval_secs"`
}

// manifestQueueListener declares that this service wants to be counted as a
// subscriber of a fan-out topic, and the callback path a real delivery
// mechanism would forward events to.
type manifestQueueListener struct {
	Queue string `json:"queue"`
	Path  string `json:"path"`
}

// decodeManifest parses config/service.json, rejecting duplicate top-level
// keys — a manifest with two "prefix" keys is a hand-authored mistake, not
// a valid override.
func decodeManifest(data []byte) (manifest, error) {
	if err := checkDuplicateKeys(data); err != nil {
		return manifest{}, err
	}
	var m manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return manifest{}, err
	}
	if m.Prefix == "" {
		return manifest{}, fmt.Errorf("missing required field %q", "prefix")
	}
	if m.URL == "" {
		return manifest{}, fmt.Errorf("missing required field %q", "url")
	}
	return m, nil
}

// checkDuplicateKeys walks the raw JSON token stream and errors if any
// object defines the same key twice at the same nesting level.
func checkDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	_, err := checkObjectDuplicates(dec)
	return err
}

// checkObjectDuplicates consumes one JSON value from dec, recursing into
// objects and arrays, and returns an error on the first duplicate key found
// in any object.
func checkObjectDuplicates(dec *json.Decoder) (json.Token, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch delim {
	case '{':
		seen := make(map[string]bool)
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			if seen[key] {
				return nil, fmt.Errorf("duplicate key %q", key)
			}
			seen[key] = true
			if _, err := checkObjectDuplicates(dec); err != nil {
				return nil, err
			}
		}
		if _, err := dec.Token(); err != nil { // consume '}'
			return nil, err
		}
	case '[':
		for dec.More() {
			if _, err := checkObjectDuplicates(dec); err != nil {
				return nil, err
			}
		}
		if _, err := dec.Token(); err != nil { // consume ']'
			return nil, err
		}
	}

	return tok, nil
}

// openAPIDoc is the subset of an OpenAPI 3 document this loader consumes:
// only the paths object matters.
type openAPIDoc struct {
	Paths map[string]map[string]json.RawMessage `json:"paths"`
}

// decodeOpenAPI parses openapi.json and collects (method, path) pairs from
// its paths object. An OpenAPI document declaring no paths is rejected.
func decodeOpenAPI(data []byte) ([]PathEntry, error) {
	var doc openAPIDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("openapi document declares no paths")
	}

	var entries []PathEntry
	for path, methods := range doc.Paths {
		for rawMethod := range methods {
			method, ok := knownMethods[rawMethod]
			if !ok {
				continue // ignore non-operation keys such as "parameters"
			}
			entries = append(entries, PathEntry{Method: method, Pattern: path})
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("openapi document declares no recognized operations")
	}
	return entries, nil
}

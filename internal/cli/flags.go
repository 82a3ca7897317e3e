package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// parseTime разбирает RFC 3339 время из флага. Пустая строка — nil.
func parseTime(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: expected RFC 3339 (2026-01-02T15:04:05Z)", name, s)
	}
	return &t, nil
}

// readPayload читает payload миграции из YAML или JSON файла.
// "-" читает stdin. Пустой путь — нет payload.
func readPayload(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	// YAML — надмножество JSON, поэтому оба формата идут через yaml.v3.
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse payload %s: %w", path, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload %s: %w", path, err)
	}
	return raw, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func progress(j *JobResponse) string {
	return strconv.Itoa(j.CompletedTenants) + "/" + strconv.Itoa(j.TotalTenants) +
		" (failed " + strconv.Itoa(len(j.FailedTenants)) + ")"
}

func joinList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

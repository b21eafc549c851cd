// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package acquisitionweb

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"updraft.dev/updraft/registry"
)

// maxReportBody bounds telemetry request bodies; reports are tiny.
const maxReportBody = 64 << 10

// queryValue reads a parameter that may arrive in either protocol spelling.
func queryValue(query url.Values, camel, snake string) string {
	if value := query.Get(camel); value != "" {
		return value
	}
	return query.Get(snake)
}

func parseBoolQuery(value string) bool {
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}

// decodeBody unmarshals a JSON request body into target, converting
// snake_case keys to the canonical camelCase spelling first when the request
// came in over the versioned routes.
func decodeBody(w http.ResponseWriter, r *http.Request, snake bool, target any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err != nil {
		return registry.ErrInvalid.New("reading request body: %v", err)
	}
	if len(body) == 0 {
		return registry.ErrInvalid.New("request body is empty")
	}
	if snake {
		if body, err = convertKeys(body, snakeToCamel); err != nil {
			return registry.ErrInvalid.New("malformed request body: %v", err)
		}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return registry.ErrInvalid.New("malformed request body: %v", err)
	}
	return nil
}

// convertKeys rewrites every object key in a JSON document, at any depth.
func convertKeys(document []byte, convert func(string) string) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(document, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(convertValue(decoded, convert))
}

func convertValue(value any, convert func(string) string) any {
	switch typed := value.(type) {
	case map[string]any:
		converted := make(map[string]any, len(typed))
		for key, nested := range typed {
			converted[convert(key)] = convertValue(nested, convert)
		}
		return converted
	case []any:
		for i := range typed {
			typed[i] = convertValue(typed[i], convert)
		}
		return typed
	default:
		return value
	}
}

// camelToSnake converts camelCase to snake_case, keeping acronym runs such
// as "downloadURL" together. Keys already in snake_case pass through.
func camelToSnake(key string) string {
	runes := []rune(key)
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i, r := range runes {
		if !unicode.IsUpper(r) {
			b.WriteRune(r)
			continue
		}
		startsWord := i > 0 && (!unicode.IsUpper(runes[i-1]) ||
			(i+1 < len(runes) && !unicode.IsUpper(runes[i+1])))
		if startsWord {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// snakeToCamel converts snake_case to camelCase. Keys without underscores
// pass through.
func snakeToCamel(key string) string {
	parts := strings.Split(key, "_")
	if len(parts) == 1 {
		return key
	}
	var b strings.Builder
	b.Grow(len(key))
	for i, part := range parts {
		if i == 0 || part == "" {
			b.WriteString(part)
			continue
		}
		runes := []rune(part)
		b.WriteRune(unicode.ToUpper(runes[0]))
		b.WriteString(string(runes[1:]))
	}
	return b.String()
}

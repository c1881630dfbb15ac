package api

import (
	"encoding/base64"
	"strings"

	"github.com/chutehq/chute/internal/upload"
)

// ParseMetadataHeader parses the Upload-Metadata request header into a
// key/value map, e.g. "name bHVucmpzLnBuZw==,type aW1hZ2UvcG5n". Elements
// with malformed base64 values are dropped; a key without a value maps to
// the empty string.
func ParseMetadataHeader(header string) upload.MetaData {
	meta := make(upload.MetaData)

	for _, element := range strings.Split(header, ",") {
		element := strings.TrimSpace(element)

		parts := strings.Split(element, " ")
		if len(parts) > 2 {
			continue
		}

		key := parts[0]
		if key == "" {
			continue
		}

		value := ""
		if len(parts) == 2 {
			decoded, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				continue
			}
			value = string(decoded)
		}

		meta[key] = value
	}

	return meta
}

// SerializeMetadataHeader renders a metadata map in the Upload-Metadata
// header format used in status responses.
func SerializeMetadataHeader(meta upload.MetaData) string {
	elements := make([]string, 0, len(meta))
	for key, value := range meta {
		elements = append(elements, key+" "+base64.StdEncoding.EncodeToString([]byte(value)))
	}
	return strings.Join(elements, ",")
}

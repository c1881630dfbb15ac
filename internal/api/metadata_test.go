package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chutehq/chute/internal/upload"
)

func TestParseMetadataHeader(t *testing.T) {
	t.Run("key value pairs", func(t *testing.T) {
		meta := ParseMetadataHeader("filename dGVzdC5iaW4=, filetype YXBwbGljYXRpb24vcGRm")
		assert.Equal(t, upload.MetaData{
			"filename": "test.bin",
			"filetype": "application/pdf",
		}, meta)
	})

	t.Run("key without value", func(t *testing.T) {
		meta := ParseMetadataHeader("is_confidential")
		assert.Equal(t, upload.MetaData{"is_confidential": ""}, meta)
	})

	t.Run("malformed elements are dropped", func(t *testing.T) {
		meta := ParseMetadataHeader("bad ###notbase64###,ok aGk=,too many parts")
		assert.Equal(t, upload.MetaData{"ok": "hi"}, meta)
	})

	t.Run("empty header", func(t *testing.T) {
		assert.Empty(t, ParseMetadataHeader(""))
	})
}

func TestSerializeMetadataHeader(t *testing.T) {
	header := SerializeMetadataHeader(upload.MetaData{"filename": "test.bin"})
	assert.Equal(t, "filename dGVzdC5iaW4=", header)

	// Round trip preserves every pair.
	meta := upload.MetaData{"filename": "test.bin", "filetype": "application/pdf", "empty": ""}
	assert.Equal(t, meta, ParseMetadataHeader(SerializeMetadataHeader(meta)))
}

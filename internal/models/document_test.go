package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPageCacheRecordFresh(t *testing.T) {
	now := time.Now()

	rec := PageCacheRecord{GenerationMethod: GenerationStandard, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, rec.Fresh(now))

	expired := PageCacheRecord{GenerationMethod: GenerationStandard, ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, expired.Fresh(now))

	placeholder := PageCacheRecord{GenerationMethod: GenerationPlaceholder, ExpiresAt: now.Add(time.Hour)}
	assert.False(t, placeholder.Fresh(now), "placeholder rows are never servable")
}

func TestPageFormatContentTypeAndExt(t *testing.T) {
	assert.Equal(t, "image/jpeg", FormatJPEG.ContentType())
	assert.Equal(t, "jpg", FormatJPEG.Ext())
	assert.Equal(t, "image/png", FormatPNG.ContentType())
	assert.Equal(t, "png", FormatPNG.Ext())
}

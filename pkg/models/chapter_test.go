package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeCounts(t *testing.T) {
	tests := []struct {
		name                 string
		total, saved         int
		in                   ChapterCounts
		wantTotal, wantSaved int
	}{
		{"first write", 0, 0, ChapterCounts{TotalImages: 20, TotalSavedImages: 18}, 20, 18},
		{"zero never regresses", 20, 18, ChapterCounts{}, 20, 18},
		{"zero saved keeps saved", 20, 18, ChapterCounts{TotalImages: 20}, 20, 18},
		{"positive recount replaces", 20, 18, ChapterCounts{TotalImages: 20, TotalSavedImages: 20}, 20, 20},
		{"smaller recount replaces", 20, 18, ChapterCounts{TotalImages: 19, TotalSavedImages: 19}, 19, 19},
		{"saved clamped to total", 10, 0, ChapterCounts{TotalSavedImages: 12}, 10, 10},
		{"negative treated as zero", 0, 0, ChapterCounts{TotalImages: -1, TotalSavedImages: -3}, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			total, saved := MergeCounts(tc.total, tc.saved, tc.in)
			assert.Equal(t, tc.wantTotal, total)
			assert.Equal(t, tc.wantSaved, saved)
		})
	}
}

func TestComplete(t *testing.T) {
	assert.False(t, Complete(0, 0))
	assert.False(t, Complete(20, 18))
	assert.True(t, Complete(20, 20))
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, "5_9", ChapterDownloadRequest{MangaID: 5, ChapterID: 9}.Key())
	assert.Equal(t, "custom", ChapterDownloadRequest{MangaID: 5, ChapterID: 9, ProcessID: "custom"}.Key())
}

func TestItemErrorUnwrap(t *testing.T) {
	err := error(&ItemError{Index: 3, Kind: ErrItemFetch, Msg: "HTTP 404"})
	assert.True(t, errors.Is(err, ErrItemFetch))
	assert.Equal(t, "page 4: image fetch failed: HTTP 404", err.Error())
}

// Package model defines the Task entity shared by every component of the
// download engine.
package model

import "strings"

// Kind distinguishes progressive MP4 downloads from HLS manifests.
// Ordinal values match the persisted schema's `type` column.
type Kind int

const (
	KindMP4 Kind = 0
	KindHLS Kind = 1
)

func (k Kind) String() string {
	if k == KindHLS {
		return "hls"
	}
	return "mp4"
}

// ClassifyURL derives a Kind from a URL: a URL whose lowercased form
// contains ".m3u8" is HLS, otherwise MP4.
func ClassifyURL(url string) Kind {
	if strings.Contains(strings.ToLower(url), ".m3u8") {
		return KindHLS
	}
	return KindMP4
}

// Status is the task lifecycle state. Ordinal values match the persisted
// schema's `status` column.
type Status int

const (
	StatusPending Status = iota
	StatusDownloading
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloading:
		return "downloading"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether a status has no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Task is the central entity tracked by the Scheduler and persisted by the
// Task Repository. CancelFunc is transient and never persisted.
type Task struct {
	ID               string `gorm:"primaryKey;column:id"`
	URL              string `gorm:"column:url;not null"`
	Title            string `gorm:"column:title;not null"`
	Kind             Kind   `gorm:"column:type;not null"`
	SavePath         string `gorm:"column:savePath"`
	Status           Status `gorm:"column:status;not null"`
	Progress         float64 `gorm:"column:progress;not null"`
	DownloadedUnits  int64  `gorm:"column:downloadedBytes;not null"`
	TotalUnits       int64  `gorm:"column:totalBytes;not null"`
	Error            string `gorm:"column:error"`
	Key              string `gorm:"column:m3u8Key"`
	IV               string `gorm:"column:m3u8IV"`

	CancelFunc func() `gorm:"-"`
}

// TableName pins the gorm table name to the schema spec's `downloads`.
func (Task) TableName() string {
	return "downloads"
}

// Snapshot returns a copy of the task with the transient CancelFunc
// stripped, safe to hand to event subscribers or repository calls without
// aliasing the live task.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.CancelFunc = nil
	return cp
}

// Package models contains data structures used across handlers
package models

import "time"

// EntryType distinguishes files from synthetic directories
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// Entry is one row of a folder listing. Directory paths end with "/".
type Entry struct {
	Type          EntryType  `json:"type"`
	Name          string     `json:"name"`
	Path          string     `json:"path"`
	Size          int64      `json:"size"`
	FormattedSize string     `json:"formattedSize,omitempty"`
	ContentType   string     `json:"contentType,omitempty"`
	Updated       *time.Time `json:"updated,omitempty"`
	Version       string     `json:"version,omitempty"`
}

// Listing is one page of a folder
type Listing struct {
	Bucket        string  `json:"bucket"`
	CurrentPath   string  `json:"currentPath"`
	Files         []Entry `json:"files"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// ShareLink is a signed read URL
type ShareLink struct {
	URL string `json:"url"`
	// Duration is the configured share expiry in days
	Duration int `json:"duration"`
}

// MoveFailure records one object a folder rename could not move
type MoveFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// RenameResult reports what a folder rename committed
type RenameResult struct {
	Moved  []string      `json:"moved"`
	Failed []MoveFailure `json:"failed"`
}

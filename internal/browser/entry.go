package browser

import (
	"encoding/json"
	"time"
)

// EntryType tags the two kinds of listing entries.
type EntryType string

const (
	EntryTypeFile   EntryType = "FILE"
	EntryTypeFolder EntryType = "FOLDER"
)

// Entry is either a File or a Folder. The set is closed; consumers switch on
// the concrete type.
type Entry interface {
	Type() EntryType
	isEntry()
}

// File is an object in a bucket.
type File struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Folder is a common prefix. Path keeps its trailing "/".
type Folder struct {
	Path string
}

func (File) Type() EntryType   { return EntryTypeFile }
func (Folder) Type() EntryType { return EntryTypeFolder }
func (File) isEntry()          {}
func (Folder) isEntry()        {}

// MarshalJSON writes {"type":"FILE","path":...,"size":...,"lastModified":...}.
func (f File) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type         EntryType `json:"type"`
		Path         string    `json:"path"`
		Size         int64     `json:"size"`
		LastModified time.Time `json:"lastModified"`
	}{EntryTypeFile, f.Path, f.Size, f.LastModified.UTC()})
}

// MarshalJSON writes {"type":"FOLDER","path":...}.
func (f Folder) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type EntryType `json:"type"`
		Path string    `json:"path"`
	}{EntryTypeFolder, f.Path})
}

package blobgc

import "fmt"

// Stream is the blob lifecycle event stream consumed by the garbage
// collector. Records are keyed by blob key so every event for one blob
// lands on the same partition.
const Stream = "source/blob"

// EventDelete marks a blob as a candidate for deletion.
const EventDelete = "delete"

// Event is a blob lifecycle domain event. Only BlobKey and Repository are
// required; the rest is carried for audit logging.
type Event struct {
	Source     string `json:"source,omitempty"`
	Event      string `json:"event"`
	BlobKey    string `json:"blobKey"`
	Repository string `json:"repository"`
	User       string `json:"user,omitempty"`
	DocID      string `json:"docId,omitempty"`
	XPath      string `json:"xpath,omitempty"`
	BlobDigest string `json:"blobDigest,omitempty"`
	BlobLength int64  `json:"blobLength,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

// Validate checks the required fields.
func (e *Event) Validate() error {
	if e.BlobKey == "" {
		return fmt.Errorf("blob event missing blobKey")
	}
	if e.Repository == "" {
		return fmt.Errorf("blob event missing repository")
	}
	return nil
}

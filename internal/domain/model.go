package domain

import "time"

// Core domain models used internally by the pipeline and its adapters. Wire
// shapes (JSON payloads, stream messages) live next to the code that emits them.

// Counters are the monotonically non-decreasing progress counters of one run.
type Counters struct {
	Total    int `json:"total_items"`
	Scanned  int `json:"scanned_items"`
	Matched  int `json:"matched_items"`
	Uploaded int `json:"uploaded_items"`
}

type Scan struct {
	ID              string
	JobID           *string
	SessionID       string
	Status          ScanStatus
	Counters        Counters
	Error           *string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// MatchedItem is one confirmed match. Rows are only ever appended.
type MatchedItem struct {
	ID         string
	ScanID     string
	RemoteID   string
	RemoteURL  string
	BlobURL    string
	BlobKey    string
	Confidence float64
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Session holds the owner's reference fingerprints.
type Session struct {
	ID           string
	Fingerprints [][]float64
	ExpiresAt    time.Time
}

func (s Session) Expired(now time.Time) bool { return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) }

// Credential is a decrypted access/refresh token pair for the remote library.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// RemoteItem is the metadata of one item in the remote photo library.
type RemoteItem struct {
	ID           string
	BaseURL      string
	ProductURL   string
	MimeType     string
	Filename     string
	CreationTime time.Time
	Width        int
	Height       int
}

// Metadata is the pass-through metadata stored alongside a match.
func (it RemoteItem) Metadata() map[string]any {
	md := map[string]any{
		"filename":  it.Filename,
		"mime_type": it.MimeType,
		"width":     it.Width,
		"height":    it.Height,
	}
	if !it.CreationTime.IsZero() {
		md["creation_time"] = it.CreationTime.UTC().Format(time.RFC3339)
	}
	return md
}

// BlobRef identifies an uploaded original. Key alone is enough to presign a new URL.
type BlobRef struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// MatchResult is what the Matcher reports for one image.
type MatchResult struct {
	IsMatch       bool    `json:"is_match"`
	Confidence    float64 `json:"confidence"`
	FacesDetected int     `json:"faces_detected"`
}

// Accepts reports whether the result counts as a match at threshold.
func (r MatchResult) Accepts(threshold float64) bool {
	return r.IsMatch && r.Confidence >= threshold
}

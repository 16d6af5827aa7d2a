package domain

import "time"

// TrackContentType is the only media type this service delivers.
const TrackContentType = "audio/mpeg"

// TrackExtension is appended to a track id to locate its file under the music root.
const TrackExtension = ".mp3"

type Track struct {
	ID          string `json:"id"`
	Path        string `json:"-"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type PrefetchRequest struct {
	TrackIDs []string `json:"track_ids"`
}

type PrefetchAccepted struct {
	BatchID  string `json:"batch_id"`
	Accepted int    `json:"accepted"`
}

type PrefetchStatus string

const (
	PrefetchWarmed   PrefetchStatus = "warmed"
	PrefetchNotFound PrefetchStatus = "not_found"
	PrefetchFailed   PrefetchStatus = "failed"
	PrefetchSkipped  PrefetchStatus = "skipped"
)

type PrefetchItemResult struct {
	TrackID string         `json:"trackId"`
	Status  PrefetchStatus `json:"status"`
	Error   string         `json:"error,omitempty"`
	Bytes   int64          `json:"bytes,omitempty"`
}

type PrefetchReport struct {
	BatchID    string               `json:"batchId"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Items      []PrefetchItemResult `json:"items"`
}

// Failed counts items that did not end up warmed.
func (r PrefetchReport) Failed() int {
	n := 0
	for _, item := range r.Items {
		if item.Status != PrefetchWarmed {
			n++
		}
	}
	return n
}

type UserInfo struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

package models

// ImageResult is the outcome of one page of a chapter.
// Index is the stable 0-based render position; completion order never affects it.
type ImageResult struct {
	Index     int    `json:"index"`
	Data      []byte `json:"-"`
	PageOrder *int   `json:"page_order,omitempty"`
	Err       string `json:"error,omitempty"`
}

// OK reports whether the page was extracted.
func (r ImageResult) OK() bool {
	return r.Data != nil
}

// CountOK returns how many results carry data.
func CountOK(results []ImageResult) int {
	n := 0
	for _, r := range results {
		if r.OK() {
			n++
		}
	}
	return n
}

// ProgressEvent is broadcast to the subscribers of a process. Nil fields are omitted.
type ProgressEvent struct {
	ProcessID string  `json:"processId"`
	Status    *string `json:"status,omitempty"`
	Progress  *int    `json:"progress,omitempty"`
	Notify    *string `json:"notify,omitempty"`
}

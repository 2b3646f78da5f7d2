package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EmergencySource names the signal that triggered an emergency save.
type EmergencySource string

const (
	SourceBeforeUnload     EmergencySource = "beforeunload"
	SourcePageHide         EmergencySource = "pagehide"
	SourceVisibilityChange EmergencySource = "visibilitychange"
	SourceCrash            EmergencySource = "crash"
)

func (s EmergencySource) Valid() bool {
	switch s {
	case SourceBeforeUnload, SourcePageHide, SourceVisibilityChange, SourceCrash:
		return true
	}
	return false
}

// EmergencyRecord is a page snapshot saved outside the mutation pipeline.
type EmergencyRecord struct {
	UserID    string          `json:"userId"`
	PageType  string          `json:"pageType"`
	PageID    string          `json:"pageId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Source    EmergencySource `json:"source"`
}

// EmergencyKey is the backup key for a page: emergency_{pageType}_{pageId|default}.
func EmergencyKey(pageType, pageID string) string {
	if pageID == "" {
		pageID = "default"
	}
	return fmt.Sprintf("emergency_%s_%s", pageType, pageID)
}

func (r *EmergencyRecord) Key() string {
	return EmergencyKey(r.PageType, r.PageID)
}

// Expired reports whether the record is older than maxAge at now.
func (r *EmergencyRecord) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.Timestamp) > maxAge
}

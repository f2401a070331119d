// Package core holds the domain types shared by the decision, envelope,
// anomaly and audit layers.
package core

import (
	"fmt"
	"time"
)

// Coordinates is a WGS84 position in signed decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are inside the WGS84 ranges.
func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// String renders the coordinates the way access logs store them.
func (c Coordinates) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// ActivityKind enumerates the user activities fed to the anomaly subsystem.
type ActivityKind string

const (
	ActivityLogin          ActivityKind = "LOGIN"
	ActivityLogout         ActivityKind = "LOGOUT"
	ActivityFileAccess     ActivityKind = "FILE_ACCESS"
	ActivityFileUpload     ActivityKind = "FILE_UPLOAD"
	ActivityFileDownload   ActivityKind = "FILE_DOWNLOAD"
	ActivityFileDelete     ActivityKind = "FILE_DELETE"
	ActivityRemoteRequest  ActivityKind = "REMOTE_REQUEST"
	ActivityProfileUpdate  ActivityKind = "PROFILE_UPDATE"
	ActivityPasswordChange ActivityKind = "PASSWORD_CHANGE"
)

// ActivityKinds is the fixed, ordered activity set. The order defines the
// one-hot layout of anomaly feature vectors and must not change.
var ActivityKinds = []ActivityKind{
	ActivityLogin,
	ActivityLogout,
	ActivityFileAccess,
	ActivityFileUpload,
	ActivityFileDownload,
	ActivityFileDelete,
	ActivityRemoteRequest,
	ActivityProfileUpdate,
	ActivityPasswordChange,
}

// Valid reports whether k is one of ActivityKinds.
func (k ActivityKind) Valid() bool {
	for _, known := range ActivityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsFile reports whether the activity touches a protected object.
func (k ActivityKind) IsFile() bool {
	switch k {
	case ActivityFileAccess, ActivityFileUpload, ActivityFileDownload, ActivityFileDelete:
		return true
	}
	return false
}

// Context keys recognised in ActivityEvent.Context.
const (
	ContextLocation = "location"
	ContextNetwork  = "network"
	ContextObjectID = "object_id"
	ContextOutcome  = "outcome"
)

// ActivityEvent is one append-only record of user activity.
type ActivityEvent struct {
	ID        string            `json:"id"`
	Principal string            `json:"principal"`
	Kind      ActivityKind      `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// ActionKind is the operation recorded by an access log entry.
type ActionKind string

const (
	ActionView     ActionKind = "VIEW"
	ActionDownload ActionKind = "DOWNLOAD"
	ActionDecrypt  ActionKind = "DECRYPT"
	ActionEncrypt  ActionKind = "ENCRYPT"
)

// Outcome is the result recorded by an access log entry.
type Outcome string

const (
	OutcomeGranted Outcome = "GRANTED"
	OutcomeDenied  Outcome = "DENIED"
	OutcomePending Outcome = "PENDING"
)

// AccessLogEntry is an immutable audit record of one access attempt.
// Hash and PreviousHash are filled in by the audit log on append.
type AccessLogEntry struct {
	ID          string       `json:"id"`
	Principal   string       `json:"principal"`
	ObjectID    string       `json:"object_id,omitempty"`
	Action      ActionKind   `json:"action"`
	Timestamp   time.Time    `json:"timestamp"`
	NetworkID   string       `json:"network_id,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Outcome     Outcome      `json:"outcome"`
	Reasons     []string     `json:"reasons,omitempty"`
	Suspicious  bool         `json:"suspicious"`

	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
}

// Severity grades a security alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SecurityAlert records suspicious activity for administrative review.
type SecurityAlert struct {
	ID          string    `json:"id"`
	Principal   string    `json:"principal"`
	ActivityID  string    `json:"activity_id,omitempty"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Score       float64   `json:"score"`
	DetectedAt  time.Time `json:"detected_at"`
	Resolved    bool      `json:"resolved"`
}

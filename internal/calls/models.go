package calls

import "time"

// CallRecord is the durable, shared representation of one call.
//
// Invariants:
//   - Exactly one CallRecord exists per physical call. ID is assigned by the store
//     on creation and never regenerated.
//   - ExternalLegID is attached to the existing record once the provider assigns it;
//     it never creates a second record.
//   - Status is the provider-reported technical status. Disposition is the operator's
//     classification. A save only settles Status when the provider never reported
//     a terminal one (see Disposition.CloseStatus).
type CallRecord struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	OperatorID  string `json:"operator_id,omitempty" db:"operator_id"`

	Direction   Direction `json:"direction" db:"direction"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	ContactID   string    `json:"contact_id,omitempty" db:"contact_id"`

	Status      CallStatus  `json:"status" db:"status"`
	Disposition Disposition `json:"disposition,omitempty" db:"disposition"`

	// DurationSeconds is measured locally by the call timer.
	DurationSeconds int    `json:"duration_seconds" db:"duration_seconds"`
	Notes           string `json:"notes,omitempty" db:"notes"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	RecordingID  string `json:"recording_id,omitempty" db:"recording_id"`

	ExternalLegID string `json:"external_leg_id,omitempty" db:"external_leg_id"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasRecording reports whether both recording fields are populated.
func (r CallRecord) HasRecording() bool {
	return r.RecordingURL != "" && r.RecordingID != ""
}

// Recording returns the recording artifact carried by r.
func (r CallRecord) Recording() Recording {
	return Recording{URL: r.RecordingURL, ID: r.RecordingID}
}

// Recording is the artifact the provider attaches some time after the call ends.
type Recording struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether no further live-call events are expected.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// Transferable reports whether a call with this status is a missed-call
// follow-up that may be reassigned to another operator.
func (s CallStatus) Transferable() bool {
	switch s {
	case CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	default:
		return false
	}
}

// liveOrder lists the live statuses in the order a call moves through them.
// Anything not listed ranks above all of them.
var liveOrder = []CallStatus{CallStatusQueued, CallStatusRinging, CallStatusInProgress}

const terminalRank = 4

func (s CallStatus) rank() int {
	if s == "" {
		return 0
	}
	for i, l := range liveOrder {
		if s == l {
			return i + 1
		}
	}
	return terminalRank
}

// Disposition is the operator's classification of how a call concluded.
type Disposition string

const (
	DispositionCompleted         Disposition = "completed"
	DispositionCallbackRequested Disposition = "callback_requested"
	DispositionVoicemail         Disposition = "voicemail"
	DispositionNoAnswer          Disposition = "no_answer"
	DispositionBusy              Disposition = "busy"
	DispositionWrongNumber       Disposition = "wrong_number"
	DispositionFailed            Disposition = "failed"
)

func (d Disposition) Valid() bool {
	switch d {
	case DispositionCompleted, DispositionCallbackRequested, DispositionVoicemail,
		DispositionNoAnswer, DispositionBusy, DispositionWrongNumber, DispositionFailed:
		return true
	default:
		return false
	}
}

// CloseStatus is the technical status a save with this disposition settles a
// still-live record on. It never replaces a provider-reported terminal status.
func (d Disposition) CloseStatus() CallStatus {
	switch d {
	case DispositionNoAnswer:
		return CallStatusNoAnswer
	case DispositionBusy:
		return CallStatusBusy
	case DispositionFailed:
		return CallStatusFailed
	default:
		return CallStatusCompleted
	}
}

// Patch is a partial CallRecord update. Zero values mean "leave unchanged";
// stores never clear a populated field from a patch.
type Patch struct {
	ExternalLegID string
	OperatorID    string
	Status        CallStatus
	// CloseStatus applies only while the stored status is not terminal.
	CloseStatus     CallStatus
	Disposition     Disposition
	DurationSeconds *int
	Notes           *string
	RecordingURL    string
	RecordingID     string
	EndedAt         *time.Time
}

// IsZero reports whether p changes nothing.
func (p Patch) IsZero() bool {
	return p == Patch{}
}

// Announcement is a ringing inbound call waiting for an operator.
type Announcement struct {
	ID            string             `json:"id" db:"id"`
	WorkspaceID   string             `json:"workspace_id" db:"workspace_id"`
	ExternalLegID string             `json:"external_leg_id" db:"external_leg_id"`
	CallerNumber  string             `json:"caller_number" db:"caller_number"`
	CalleeNumber  string             `json:"callee_number" db:"callee_number"`
	Status        AnnouncementStatus `json:"status" db:"status"`

	// HandledBy is the operator that answered or rejected the call.
	HandledBy string `json:"handled_by,omitempty" db:"handled_by"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type AnnouncementStatus string

const (
	AnnouncementRinging  AnnouncementStatus = "ringing"
	AnnouncementAnswered AnnouncementStatus = "answered"
	AnnouncementRejected AnnouncementStatus = "rejected"
)

// CanTransition enforces ringing -> {answered, rejected}.
func CanTransition(from, to AnnouncementStatus) bool {
	return from == AnnouncementRinging && (to == AnnouncementAnswered || to == AnnouncementRejected)
}

package calls

// Merge folds a remote view of a record (change feed row, store read) into the
// local one. Fields only move forward:
//   - recording fields, external leg id and ended_at are never cleared or replaced once set
//   - a terminal status is never reverted to a live one
//   - between two terminal statuses, or for notes/disposition/owner, the newer row wins
//   - duration never decreases
func Merge(local, remote CallRecord) CallRecord {
	out := local
	newer := remote.UpdatedAt.After(local.UpdatedAt) || local.UpdatedAt.IsZero()

	out.ID = firstNonEmpty(local.ID, remote.ID)
	out.WorkspaceID = firstNonEmpty(local.WorkspaceID, remote.WorkspaceID)
	out.ExternalLegID = firstNonEmpty(local.ExternalLegID, remote.ExternalLegID)
	out.PhoneNumber = firstNonEmpty(local.PhoneNumber, remote.PhoneNumber)
	out.ContactID = firstNonEmpty(local.ContactID, remote.ContactID)
	if out.Direction == "" {
		out.Direction = remote.Direction
	}

	out.Status = mergeStatus(local.Status, remote.Status, newer)

	if remote.Disposition != "" && (local.Disposition == "" || newer) {
		out.Disposition = remote.Disposition
	}
	if remote.Notes != "" && (local.Notes == "" || newer) {
		out.Notes = remote.Notes
	}
	if remote.OperatorID != "" && (local.OperatorID == "" || newer) {
		out.OperatorID = remote.OperatorID
	}

	if remote.DurationSeconds > out.DurationSeconds {
		out.DurationSeconds = remote.DurationSeconds
	}

	if !local.HasRecording() && remote.HasRecording() {
		out.RecordingURL = remote.RecordingURL
		out.RecordingID = remote.RecordingID
	}

	if out.EndedAt == nil && remote.EndedAt != nil {
		t := *remote.EndedAt
		out.EndedAt = &t
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = remote.StartedAt
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = remote.CreatedAt
	}
	if remote.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = remote.UpdatedAt
	}
	return out
}

// ApplyPatch is the store-side counterpart of Merge for partial updates.
func ApplyPatch(rec CallRecord, p Patch) CallRecord {
	out := rec
	if out.ExternalLegID == "" {
		out.ExternalLegID = p.ExternalLegID
	}
	if p.OperatorID != "" {
		out.OperatorID = p.OperatorID
	}
	out.Status = mergeStatus(rec.Status, p.Status, true)
	if p.CloseStatus != "" && !out.Status.IsTerminal() {
		out.Status = p.CloseStatus
	}
	if p.Disposition != "" {
		out.Disposition = p.Disposition
	}
	if p.DurationSeconds != nil && *p.DurationSeconds > out.DurationSeconds {
		out.DurationSeconds = *p.DurationSeconds
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	if out.RecordingURL == "" {
		out.RecordingURL = p.RecordingURL
	}
	if out.RecordingID == "" {
		out.RecordingID = p.RecordingID
	}
	if out.EndedAt == nil && p.EndedAt != nil {
		t := *p.EndedAt
		out.EndedAt = &t
	}
	return out
}

func mergeStatus(local, remote CallStatus, remoteNewer bool) CallStatus {
	if remote == "" {
		return local
	}
	if local.IsTerminal() {
		if remote.IsTerminal() && remoteNewer {
			return remote
		}
		return local
	}
	if remote.rank() >= local.rank() {
		return remote
	}
	return local
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

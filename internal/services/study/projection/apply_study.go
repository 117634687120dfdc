package projection

import (
	"context"
	"errors"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

func (a Applier) applyCreated(ctx context.Context, evt event.Event, payload study.CreatePayload) error {
	existing, err := a.Store.GetStudy(ctx, evt.StreamID)
	if err == nil {
		return a.backfill(ctx, existing, evt, payload)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	details := payload.Details
	if details.StudyType == "" {
		details.StudyType = study.DefaultStudyType
	}
	version := payload.Version
	if version == "" {
		version = study.InitialVersion
	}
	user := a.Audit.Name(ctx, evt.ActorID)
	at := eventTime(evt)
	rec := storage.StudyRecord{
		ID:           evt.StreamID,
		LegacyKey:    payload.LegacyKey,
		Details:      details,
		PhaseName:    a.phaseName(ctx, details.PhaseCode),
		Version:      version,
		Status:       study.StatusPlanning,
		StatusName:   a.statusName(ctx, study.StatusPlanning),
		CreatedBy:    user,
		UpdatedBy:    user,
		CreatedAt:    at,
		UpdatedAt:    at,
		AppliedSeq:   evt.Seq,
		Associations: a.validAssociations(evt, payload.Associations),
	}
	return a.Store.CreateStudy(ctx, rec)
}

// backfill fills zero-valued fields of a row that already exists. A replayed
// created event never overwrites data written by later events.
func (a Applier) backfill(ctx context.Context, rec storage.StudyRecord, evt event.Event, payload study.CreatePayload) error {
	changed := false
	fillString := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fillInt := func(dst *int, src int) {
		if *dst == 0 && src != 0 {
			*dst = src
			changed = true
		}
	}
	d := &rec.Details
	p := payload.Details
	fillString(&d.Name, p.Name)
	fillString(&d.Sponsor, p.Sponsor)
	fillString(&d.ProtocolNumber, p.ProtocolNumber)
	fillString(&d.Description, p.Description)
	fillString(&d.Indication, p.Indication)
	fillString(&d.StudyType, p.StudyType)
	fillString(&d.PhaseCode, p.PhaseCode)
	fillString(&d.PrincipalInvestigator, p.PrincipalInvestigator)
	fillString(&d.TherapeuticArea, p.TherapeuticArea)
	fillString(&d.PrimaryObjective, p.PrimaryObjective)
	fillString(&d.PrimaryEndpoint, p.PrimaryEndpoint)
	fillInt(&d.PlannedSubjects, p.PlannedSubjects)
	fillInt(&d.TargetEnrollment, p.TargetEnrollment)
	fillString(&d.StartDate, p.StartDate)
	fillString(&d.EndDate, p.EndDate)
	fillString(&d.Notes, p.Notes)
	fillString(&rec.Version, payload.Version)
	if rec.LegacyKey == 0 && payload.LegacyKey != 0 {
		rec.LegacyKey = payload.LegacyKey
		changed = true
	}
	if rec.Status == study.StatusUnspecified {
		rec.Status = study.StatusPlanning
		changed = true
	}
	fillString(&rec.StatusName, a.statusName(ctx, rec.Status))
	fillString(&rec.PhaseName, a.phaseName(ctx, rec.PhaseCode))
	if rec.CreatedBy == "" {
		rec.CreatedBy = a.Audit.Name(ctx, evt.ActorID)
		changed = true
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = eventTime(evt)
		changed = true
	}
	if !changed {
		return nil
	}
	a.Logger.Debug().Str("stream_id", evt.StreamID).Msg("backfilled study row from replayed created event")
	return a.Store.PutStudy(ctx, rec)
}

func (a Applier) applyUpdated(ctx context.Context, evt event.Event, payload study.UpdatedPayload) error {
	rec, ok, err := a.loadRow(ctx, evt)
	if err != nil || !ok {
		return err
	}
	previousPhase := rec.PhaseCode
	rec.Details = payload.ApplyTo(rec.Details)
	if rec.PhaseCode != previousPhase || rec.PhaseName == "" {
		rec.PhaseName = a.phaseName(ctx, rec.PhaseCode)
	}
	return a.touch(ctx, rec, evt)
}

func (a Applier) applyAssociationsChanged(ctx context.Context, evt event.Event, payload study.AssociationsPayload) error {
	rec, ok, err := a.loadRow(ctx, evt)
	if err != nil || !ok {
		return err
	}
	if err := a.Store.ReplaceAssociations(ctx, evt.StreamID, a.validAssociations(evt, payload.Associations)); err != nil {
		return err
	}
	return a.touch(ctx, rec, evt)
}

func (a Applier) applyStatusChanged(ctx context.Context, evt event.Event, payload study.StatusChangedPayload) error {
	return a.applyStatus(ctx, evt, payload.To, payload.Reason, "")
}

func (a Applier) applyReasoned(ctx context.Context, evt event.Event, payload study.ReasonPayload) error {
	return a.applyStatus(ctx, evt, study.StatusForEvent(evt.Type), payload.Reason, "")
}

func (a Applier) applyCompleted(ctx context.Context, evt event.Event, payload study.CompletePayload) error {
	return a.applyStatus(ctx, evt, study.StatusCompleted, "", payload.CompletionDate)
}

func (a Applier) applyStatus(ctx context.Context, evt event.Event, status study.Status, reason, endDate string) error {
	rec, ok, err := a.loadRow(ctx, evt)
	if errors.Is(err, ErrProjectionLag) && status.Terminal() {
		// Nothing to lock yet; the created event will build the row and the
		// terminal event stays in the journal for the next rebuild.
		a.Logger.Warn().
			Str("stream_id", evt.StreamID).
			Uint64("seq", evt.Seq).
			Str("event_type", string(evt.Type)).
			Msg("terminal event for missing study row, skipping")
		return nil
	}
	if err != nil || !ok {
		return err
	}
	rec.Status = status
	rec.StatusName = a.statusName(ctx, status)
	rec.StatusReason = reason
	if status.Terminal() {
		rec.Locked = true
	}
	if endDate != "" {
		rec.EndDate = endDate
	}
	return a.touch(ctx, rec, evt)
}

func (a Applier) validAssociations(evt event.Event, in []study.Association) []study.Association {
	out := make([]study.Association, 0, len(in))
	for _, assoc := range in {
		normalized, ok := study.NormalizeAssociation(assoc)
		if !ok {
			a.Logger.Warn().
				Str("stream_id", evt.StreamID).
				Str("organization_id", assoc.OrganizationID).
				Str("role", string(assoc.Role)).
				Msg("skipping invalid organization association")
			continue
		}
		out = append(out, normalized)
	}
	return out
}

func (a Applier) statusName(ctx context.Context, status study.Status) string {
	name, err := a.Store.StatusName(ctx, string(status))
	if err != nil || name == "" {
		return string(status)
	}
	return name
}

func (a Applier) phaseName(ctx context.Context, code string) string {
	if code == "" {
		return ""
	}
	name, err := a.Store.PhaseName(ctx, code)
	if err != nil || name == "" {
		return code
	}
	return name
}

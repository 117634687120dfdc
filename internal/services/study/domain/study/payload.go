package study

import (
	"strings"
	"time"
)

// DateLayout is the calendar-date format used by study date fields.
const DateLayout = "2006-01-02"

// DefaultStudyType is recorded when a create command omits the study type.
const DefaultStudyType = "INTERVENTIONAL"

// InitialVersion is the protocol version label of a new study.
const InitialVersion = "1.0"

// Role is an organization's role on a study.
type Role string

const (
	RoleSponsor    Role = "SPONSOR"
	RoleCRO        Role = "CRO"
	RoleSite       Role = "SITE"
	RoleVendor     Role = "VENDOR"
	RoleLaboratory Role = "LABORATORY"
	RoleRegulatory Role = "REGULATORY"
)

// ParseRole upper-cases and validates an association role.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(value)))
	switch role {
	case RoleSponsor, RoleCRO, RoleSite, RoleVendor, RoleLaboratory, RoleRegulatory:
		return role, true
	default:
		return "", false
	}
}

// Association links an organization to a study under one role.
type Association struct {
	OrganizationID string `json:"organization_id"`
	Role           Role   `json:"role"`
	IsPrimary      bool   `json:"is_primary,omitempty"`
}

// Key identifies an association within a study's set.
func (a Association) Key() string {
	return a.OrganizationID + "|" + string(a.Role)
}

// NormalizeAssociation trims and upper-cases an association. It reports
// false for entries with an empty organization id or an unknown role.
func NormalizeAssociation(a Association) (Association, bool) {
	orgID := strings.TrimSpace(a.OrganizationID)
	if orgID == "" {
		return Association{}, false
	}
	role, ok := ParseRole(string(a.Role))
	if !ok {
		return Association{}, false
	}
	return Association{OrganizationID: orgID, Role: role, IsPrimary: a.IsPrimary}, true
}

// Details are the descriptive fields of a study.
type Details struct {
	Name                  string `json:"name"`
	Sponsor               string `json:"sponsor,omitempty"`
	ProtocolNumber        string `json:"protocol_number,omitempty"`
	Description           string `json:"description,omitempty"`
	Indication            string `json:"indication,omitempty"`
	StudyType             string `json:"study_type,omitempty"`
	PhaseCode             string `json:"phase_code,omitempty"`
	PrincipalInvestigator string `json:"principal_investigator,omitempty"`
	TherapeuticArea       string `json:"therapeutic_area,omitempty"`
	PrimaryObjective      string `json:"primary_objective,omitempty"`
	PrimaryEndpoint       string `json:"primary_endpoint,omitempty"`
	PlannedSubjects       int    `json:"planned_subjects,omitempty"`
	TargetEnrollment      int    `json:"target_enrollment,omitempty"`
	StartDate             string `json:"start_date,omitempty"`
	EndDate               string `json:"end_date,omitempty"`
	Notes                 string `json:"notes,omitempty"`
}

// DetailsPatch is a partial update of Details. Absent fields are left
// unchanged; present fields replace the current value, including with "".
type DetailsPatch struct {
	Name                  Optional[string] `json:"name,omitzero"`
	Sponsor               Optional[string] `json:"sponsor,omitzero"`
	ProtocolNumber        Optional[string] `json:"protocol_number,omitzero"`
	Description           Optional[string] `json:"description,omitzero"`
	Indication            Optional[string] `json:"indication,omitzero"`
	StudyType             Optional[string] `json:"study_type,omitzero"`
	PhaseCode             Optional[string] `json:"phase_code,omitzero"`
	PrincipalInvestigator Optional[string] `json:"principal_investigator,omitzero"`
	TherapeuticArea       Optional[string] `json:"therapeutic_area,omitzero"`
	PrimaryObjective      Optional[string] `json:"primary_objective,omitzero"`
	PrimaryEndpoint       Optional[string] `json:"primary_endpoint,omitzero"`
	PlannedSubjects       Optional[int]    `json:"planned_subjects,omitzero"`
	TargetEnrollment      Optional[int]    `json:"target_enrollment,omitzero"`
	StartDate             Optional[string] `json:"start_date,omitzero"`
	EndDate               Optional[string] `json:"end_date,omitzero"`
	Notes                 Optional[string] `json:"notes,omitzero"`
}

// Empty reports whether no field is present.
func (p DetailsPatch) Empty() bool {
	return p == DetailsPatch{}
}

// ApplyTo returns d with every present field of p applied.
func (p DetailsPatch) ApplyTo(d Details) Details {
	d.Name = p.Name.OrElse(d.Name)
	d.Sponsor = p.Sponsor.OrElse(d.Sponsor)
	d.ProtocolNumber = p.ProtocolNumber.OrElse(d.ProtocolNumber)
	d.Description = p.Description.OrElse(d.Description)
	d.Indication = p.Indication.OrElse(d.Indication)
	d.StudyType = p.StudyType.OrElse(d.StudyType)
	d.PhaseCode = p.PhaseCode.OrElse(d.PhaseCode)
	d.PrincipalInvestigator = p.PrincipalInvestigator.OrElse(d.PrincipalInvestigator)
	d.TherapeuticArea = p.TherapeuticArea.OrElse(d.TherapeuticArea)
	d.PrimaryObjective = p.PrimaryObjective.OrElse(d.PrimaryObjective)
	d.PrimaryEndpoint = p.PrimaryEndpoint.OrElse(d.PrimaryEndpoint)
	d.PlannedSubjects = p.PlannedSubjects.OrElse(d.PlannedSubjects)
	d.TargetEnrollment = p.TargetEnrollment.OrElse(d.TargetEnrollment)
	d.StartDate = p.StartDate.OrElse(d.StartDate)
	d.EndDate = p.EndDate.OrElse(d.EndDate)
	d.Notes = p.Notes.OrElse(d.Notes)
	return d
}

func (p DetailsPatch) normalized() DetailsPatch {
	trim := func(o *Optional[string]) {
		if o.Set {
			o.Value = strings.TrimSpace(o.Value)
		}
	}
	for _, field := range []*Optional[string]{
		&p.Name, &p.Sponsor, &p.ProtocolNumber, &p.Description, &p.Indication,
		&p.StudyType, &p.PhaseCode, &p.PrincipalInvestigator, &p.TherapeuticArea,
		&p.PrimaryObjective, &p.PrimaryEndpoint, &p.StartDate, &p.EndDate, &p.Notes,
	} {
		trim(field)
	}
	if p.StudyType.Set {
		p.StudyType.Value = strings.ToUpper(p.StudyType.Value)
	}
	if p.PhaseCode.Set {
		p.PhaseCode.Value = strings.ToUpper(p.PhaseCode.Value)
	}
	return p
}

func normalizeDetails(d Details) Details {
	d.Name = strings.TrimSpace(d.Name)
	d.Sponsor = strings.TrimSpace(d.Sponsor)
	d.ProtocolNumber = strings.TrimSpace(d.ProtocolNumber)
	d.Description = strings.TrimSpace(d.Description)
	d.Indication = strings.TrimSpace(d.Indication)
	d.StudyType = strings.ToUpper(strings.TrimSpace(d.StudyType))
	if d.StudyType == "" {
		d.StudyType = DefaultStudyType
	}
	d.PhaseCode = strings.ToUpper(strings.TrimSpace(d.PhaseCode))
	d.PrincipalInvestigator = strings.TrimSpace(d.PrincipalInvestigator)
	d.TherapeuticArea = strings.TrimSpace(d.TherapeuticArea)
	d.PrimaryObjective = strings.TrimSpace(d.PrimaryObjective)
	d.PrimaryEndpoint = strings.TrimSpace(d.PrimaryEndpoint)
	d.StartDate = strings.TrimSpace(d.StartDate)
	d.EndDate = strings.TrimSpace(d.EndDate)
	d.Notes = strings.TrimSpace(d.Notes)
	return d
}

// validateDetails checks value-level rules shared by create and update.
func validateDetails(d Details) (string, bool) {
	if d.PlannedSubjects < 0 || d.TargetEnrollment < 0 {
		return "subject counts must not be negative", false
	}
	var start, end time.Time
	var err error
	if d.StartDate != "" {
		if start, err = time.Parse(DateLayout, d.StartDate); err != nil {
			return "start date must be YYYY-MM-DD", false
		}
	}
	if d.EndDate != "" {
		if end, err = time.Parse(DateLayout, d.EndDate); err != nil {
			return "end date must be YYYY-MM-DD", false
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return "end date must not precede start date", false
	}
	return "", true
}

// CreatePayload is the payload of study.create and study.created.
type CreatePayload struct {
	Details
	LegacyKey    int64         `json:"legacy_key,omitempty"`
	Version      string        `json:"version,omitempty"`
	Associations []Association `json:"organization_associations,omitempty"`
}

// UpdatePayload is the payload of study.update.
type UpdatePayload struct {
	DetailsPatch
	Associations Optional[[]Association] `json:"organization_associations,omitzero"`
}

// UpdatedPayload is the payload of study.updated.
type UpdatedPayload struct {
	DetailsPatch
}

// AssociationsPayload is the payload of study.change_associations and
// study.associations_changed. The list replaces the current set.
type AssociationsPayload struct {
	Associations []Association `json:"organization_associations"`
}

// ChangeStatusPayload is the payload of study.change_status.
type ChangeStatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// StatusChangedPayload is the payload of study.status_changed.
type StatusChangedPayload struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ReasonPayload is the payload of suspend, resume, terminate and withdraw
// commands and their events.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CompletePayload is the payload of study.complete and study.completed.
type CompletePayload struct {
	CompletionDate string `json:"completion_date,omitempty"`
}

// Package species provides the typed species profile used by the handbook
// forms and catalog, and converts it to and from the opaque domain.Profile.
package species

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"handbookcore/pkg/domain"
)

// CareLevel grades husbandry difficulty.
type CareLevel string

const (
	CareBeginner     CareLevel = "beginner"
	CareIntermediate CareLevel = "intermediate"
	CareAdvanced     CareLevel = "advanced"
)

// Group is the broad animal group a profile belongs to.
type Group string

const (
	GroupSnake     Group = "snake"
	GroupLizard    Group = "lizard"
	GroupAmphibian Group = "amphibian"
	GroupSpider    Group = "spider"
	GroupScorpion  Group = "scorpion"
	GroupOther     Group = "other"
)

// Activity describes the daily activity pattern.
type Activity string

const (
	ActivityDiurnal     Activity = "diurnal"
	ActivityNocturnal   Activity = "nocturnal"
	ActivityCrepuscular Activity = "crepuscular"
	ActivityVariable    Activity = "variable"
)

// Temperament describes typical handling behaviour.
type Temperament string

const (
	TemperamentDocile     Temperament = "docile"
	TemperamentNervous    Temperament = "nervous"
	TemperamentDefensive  Temperament = "defensive"
	TemperamentAggressive Temperament = "aggressive"
)

// Range is an inclusive numeric min/max pair.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Husbandry holds enclosure and climate guidance.
type Husbandry struct {
	Enclosure   string   `json:"enclosure"`
	Temperature string   `json:"temperature"`
	Humidity    string   `json:"humidity"`
	Lighting    string   `json:"lighting"`
	Substrate   string   `json:"substrate"`
	Enrichments []string `json:"enrichments"`
}

// Diet holds feeding guidance.
type Diet struct {
	PreyType         string `json:"preyType"`
	ScheduleJuvenile string `json:"scheduleJuvenile"`
	ScheduleAdult    string `json:"scheduleAdult"`
	Notes            string `json:"notes,omitempty"`
}

// Breeding holds breeding guidance.
type Breeding struct {
	Difficulty CareLevel `json:"difficulty"`
	Season     string    `json:"season"`
	ClutchSize string    `json:"clutchSize"`
	Incubation string    `json:"incubation"`
	Notes      string    `json:"notes,omitempty"`
}

// Rehab holds rescue and rehabilitation guidance.
type Rehab struct {
	CommonIssues       []string `json:"commonIssues"`
	RedFlags           string   `json:"redFlags"`
	QuarantineProtocol string   `json:"quarantineProtocol"`
	StressSigns        string   `json:"stressSigns"`
}

// Profile is the typed species record.
type Profile struct {
	ID                   string      `json:"id"`
	CommonName           string      `json:"commonName"`
	ScientificName       string      `json:"scientificName"`
	Group                Group       `json:"group"`
	Origin               []string    `json:"origin"`
	CareLevel            CareLevel   `json:"careLevel"`
	Venomous             bool        `json:"venomous"`
	PotentiallyDangerous bool        `json:"potentiallyDangerous"`
	Activity             Activity    `json:"activity"`
	SizeCm               Range       `json:"sizeCm"`
	LifespanYears        *Range      `json:"lifespanYears,omitempty"`
	Temperament          Temperament `json:"temperament"`
	Husbandry            Husbandry   `json:"husbandry"`
	Diet                 Diet        `json:"diet"`
	Breeding             *Breeding   `json:"breeding,omitempty"`
	Rehab                *Rehab      `json:"rehab,omitempty"`
	Tags                 []string    `json:"tags"`
	CreatedAt            string      `json:"createdAt"`
	UpdatedAt            string      `json:"updatedAt"`
}

// FieldError names the first field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

var (
	careLevels   = map[CareLevel]struct{}{CareBeginner: {}, CareIntermediate: {}, CareAdvanced: {}}
	groups       = map[Group]struct{}{GroupSnake: {}, GroupLizard: {}, GroupAmphibian: {}, GroupSpider: {}, GroupScorpion: {}, GroupOther: {}}
	activities   = map[Activity]struct{}{ActivityDiurnal: {}, ActivityNocturnal: {}, ActivityCrepuscular: {}, ActivityVariable: {}}
	temperaments = map[Temperament]struct{}{TemperamentDocile: {}, TemperamentNervous: {}, TemperamentDefensive: {}, TemperamentAggressive: {}}
)

// Validate applies the form rules: id, common and scientific names are
// required, enums must be known when set and size ranges must be ordered.
func (p Profile) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, &FieldError{Field: "id", Reason: "required"})
	}
	if strings.TrimSpace(p.CommonName) == "" {
		errs = append(errs, &FieldError{Field: "commonName", Reason: "required"})
	}
	if strings.TrimSpace(p.ScientificName) == "" {
		errs = append(errs, &FieldError{Field: "scientificName", Reason: "required"})
	}
	if _, ok := groups[p.Group]; p.Group != "" && !ok {
		errs = append(errs, &FieldError{Field: "group", Reason: fmt.Sprintf("unknown group %q", p.Group)})
	}
	if _, ok := careLevels[p.CareLevel]; p.CareLevel != "" && !ok {
		errs = append(errs, &FieldError{Field: "careLevel", Reason: fmt.Sprintf("unknown care level %q", p.CareLevel)})
	}
	if _, ok := activities[p.Activity]; p.Activity != "" && !ok {
		errs = append(errs, &FieldError{Field: "activity", Reason: fmt.Sprintf("unknown activity %q", p.Activity)})
	}
	if _, ok := temperaments[p.Temperament]; p.Temperament != "" && !ok {
		errs = append(errs, &FieldError{Field: "temperament", Reason: fmt.Sprintf("unknown temperament %q", p.Temperament)})
	}
	if p.SizeCm.Min > p.SizeCm.Max && p.SizeCm.Max != 0 {
		errs = append(errs, &FieldError{Field: "sizeCm", Reason: "min exceeds max"})
	}
	if p.LifespanYears != nil && p.LifespanYears.Min > p.LifespanYears.Max && p.LifespanYears.Max != 0 {
		errs = append(errs, &FieldError{Field: "lifespanYears", Reason: "min exceeds max"})
	}
	if p.Breeding != nil {
		if _, ok := careLevels[p.Breeding.Difficulty]; p.Breeding.Difficulty != "" && !ok {
			errs = append(errs, &FieldError{Field: "breeding.difficulty", Reason: fmt.Sprintf("unknown care level %q", p.Breeding.Difficulty)})
		}
	}
	return errors.Join(errs...)
}

// ToProfile converts the typed record into an opaque domain.Profile.
func (p Profile) ToProfile() (domain.Profile, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("encode species %s: %w", p.ID, err)
	}
	var out domain.Profile
	if err := json.Unmarshal(b, &out); err != nil {
		return domain.Profile{}, fmt.Errorf("decode species %s: %w", p.ID, err)
	}
	return out, nil
}

// FromProfile decodes an opaque domain.Profile into the typed record.
// Unknown fields are ignored.
func FromProfile(dp domain.Profile) (Profile, error) {
	b, err := json.Marshal(dp)
	if err != nil {
		return Profile{}, fmt.Errorf("encode profile %s: %w", dp.ID, err)
	}
	var out Profile
	if err := json.Unmarshal(b, &out); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", dp.ID, err)
	}
	return out, nil
}

// SplitList splits a comma separated form value, trimming blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

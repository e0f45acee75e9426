package sim

// TableConfig describes one clinical table participating in snapshot,
// restore and debrief aggregation. The engine treats row payloads as opaque;
// only the columns named here have meaning to it.
type TableConfig struct {
	Name        string
	HasAuthor   bool
	AuthorField string
	TimeField   string
	// TimeFiltered excludes rows recorded before the session start from the
	// activity report. Tables fully cleared by reset keep it false so a
	// skewed clock cannot drop valid entries.
	TimeFiltered bool
}

// TableVersion tags captured snapshots with the configuration that produced
// them. Bump it whenever the list below changes shape.
const TableVersion = 3

// clinicalTables is the closed, enumerated record set. Adding a new
// student-facing clinical data type to simulations means adding a row here
// and a matching relation in the migrations; nothing else in the engine
// changes.
var clinicalTables = []TableConfig{
	{Name: "patients", HasAuthor: false, TimeField: "recorded_at"},
	{Name: "patient_vitals", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: true},
	{Name: "medication_administrations", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: true},
	{Name: "lab_orders", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: true},
	{Name: "lab_acknowledgements", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: false},
	{Name: "patient_notes", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: true},
	{Name: "wound_assessments", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: true},
	{Name: "device_placements", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: true},
	{Name: "intake_output_events", HasAuthor: true, AuthorField: "author_name", TimeField: "recorded_at", TimeFiltered: true},
	{Name: "advance_directives", HasAuthor: false, TimeField: "recorded_at"},
}

// ClinicalTables returns a copy so callers cannot mutate the configuration.
func ClinicalTables() []TableConfig {
	out := make([]TableConfig, len(clinicalTables))
	copy(out, clinicalTables)
	return out
}

// TableByName looks a table up in the configured record set.
func TableByName(name string) (TableConfig, bool) {
	for _, cfg := range clinicalTables {
		if cfg.Name == name {
			return cfg, true
		}
	}
	return TableConfig{}, false
}

package invalidation

// Relationships maps an entity to the entities whose views embed it. It is a
// fixed table; invalidating a child does not walk back to its parents unless
// the child lists them.
var Relationships = map[string][]string{
	"patients":              {"appointments", "prescriptions", "lab_orders", "invoices", "consultations"},
	"appointments":          {"consultations", "telemedicine_sessions", "billing"},
	"prescriptions":         {"medications", "patients"},
	"lab_orders":            {"lab_results", "patients"},
	"lab_results":           {"lab_orders"},
	"billing":               {"invoices"},
	"invoices":              {"billing", "patients"},
	"consultations":         {"appointments", "prescriptions", "lab_orders"},
	"staff":                 {"departments", "appointments"},
	"departments":           {"staff", "beds"},
	"beds":                  {"departments", "patients"},
	"inventory":             {"medications"},
	"medications":           {"inventory", "prescriptions"},
	"nursing_notes":         {"vitals", "patients"},
	"vitals":                {"nursing_notes"},
	"telemedicine_sessions": {"appointments", "consultations"},
}

// Related returns the entities related to entity. The slice is a copy.
func Related(entity string) []string {
	related := Relationships[entity]
	if len(related) == 0 {
		return nil
	}
	return append([]string(nil), related...)
}

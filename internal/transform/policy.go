package transform

// ForeignKey declares that a field must reference an existing row in
// another table.
type ForeignKey struct {
	Field            string
	ReferencedTable  string
	ReferencedColumn string
}

// TablePolicy holds everything table-specific the pipeline needs: typed
// field sets for coercion, the allow-list guarding against spreadsheet
// column drift, validation rules, and upsert key behavior. Adding a new
// destination table is a data change here, not a code change anywhere
// else.
type TablePolicy struct {
	NumericFields    []string
	BooleanFields    []string
	DateFields       []string
	ArrayFields      []string
	ObjectFields     []string
	ForeignKeyFields []string // trimmed; blank-after-trim becomes an explicit null

	// AllowedFields, when non-empty, drops any transformed field not
	// listed. Nil means the table accepts whatever the mapping produces.
	AllowedFields []string

	RequiredFields []string
	ForeignKeys    []ForeignKey

	// ConflictKey is the destination's natural-key column for upserts.
	ConflictKey string

	// NaturalKey marks tables keyed by a business field (e.g. email)
	// where a synthetic id must never be generated.
	NaturalKey bool
}

// DefaultPolicies returns the sync policies for the tour-operations
// destination tables.
func DefaultPolicies() map[string]TablePolicy {
	return map[string]TablePolicy{
		"tours": {
			NumericFields:    []string{"price", "duration_hours", "capacity"},
			BooleanFields:    []string{"is_active", "is_private"},
			DateFields:       []string{"season_start", "season_end"},
			ArrayFields:      []string{"regions", "languages", "tags"},
			ObjectFields:     []string{"itinerary", "metadata"},
			ForeignKeyFields: []string{"guide_id", "category_id"},
			AllowedFields: []string{
				"id", "name", "description", "price", "duration_hours",
				"capacity", "is_active", "is_private", "season_start",
				"season_end", "regions", "languages", "tags", "itinerary",
				"metadata", "guide_id", "category_id", "updated_at",
			},
			RequiredFields: []string{"name"},
			ForeignKeys: []ForeignKey{
				{Field: "guide_id", ReferencedTable: "guides", ReferencedColumn: "id"},
				{Field: "category_id", ReferencedTable: "tour_categories", ReferencedColumn: "id"},
			},
			ConflictKey: "id",
		},
		"schedules": {
			NumericFields:    []string{"seats_total", "seats_booked"},
			BooleanFields:    []string{"is_cancelled"},
			DateFields:       []string{"departure_date", "return_date"},
			ForeignKeyFields: []string{"tour_id", "guide_id"},
			AllowedFields: []string{
				"id", "tour_id", "guide_id", "departure_date", "return_date",
				"seats_total", "seats_booked", "is_cancelled", "notes",
				"updated_at",
			},
			RequiredFields: []string{"tour_id", "departure_date"},
			ForeignKeys: []ForeignKey{
				{Field: "tour_id", ReferencedTable: "tours", ReferencedColumn: "id"},
				{Field: "guide_id", ReferencedTable: "guides", ReferencedColumn: "id"},
			},
			ConflictKey: "id",
		},
		"guides": {
			BooleanFields: []string{"is_active"},
			ArrayFields:   []string{"languages", "certifications"},
			AllowedFields: []string{
				"id", "name", "email", "phone", "bio", "languages",
				"certifications", "is_active", "updated_at",
			},
			RequiredFields: []string{"name"},
			ConflictKey:    "id",
		},
		// Customers are keyed by email; the spreadsheet never carries a
		// synthetic id and the engine must not invent one.
		"customers": {
			BooleanFields: []string{"marketing_opt_in"},
			DateFields:    []string{"first_booking_date"},
			ObjectFields:  []string{"preferences"},
			AllowedFields: []string{
				"email", "name", "phone", "country", "marketing_opt_in",
				"first_booking_date", "preferences", "updated_at",
			},
			RequiredFields: []string{"email"},
			ConflictKey:    "email",
			NaturalKey:     true,
		},
	}
}

// fieldSet turns a policy slice into a lookup set.
func fieldSet(fields []string) map[string]struct{} {
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

package canonical

import "sort"

// Compiled-in default mappings, used only when no mapping file exists for a
// table anywhere (configured directory, working directory, object store).
// A mapping file that exists but fails to parse never falls back here; that
// is a loud configuration error.
//
// These mirror the four core canonical tables and are deliberately narrower
// than deployed mapping files: they keep the pipeline limping along with the
// essential fields, not the full column set.

// defaultMappings is keyed by canonical table name.
var defaultMappings = map[string]*Mapping{
	"companies": {
		Services: map[string]map[string]FieldMap{
			"connectwise": {
				"company/companies": {
					"company_id":          "id",
					"company_name":        "name",
					"status":              "status__name",
					"company_type":        "type__name",
					"address_line1":       "addressLine1",
					"city":                "city",
					"state":               "state",
					"zip":                 "zip",
					"phone_number":        "phoneNumber",
					"website":             "website",
					"annual_revenue":      "annualRevenue",
					"number_of_employees": "numberOfEmployees",
					"last_updated":        "_info__lastUpdated",
				},
			},
			"salesforce": {
				"Account": {
					"company_id":          "Id",
					"company_name":        "Name",
					"phone_number":        "Phone",
					"website":             "Website",
					"annual_revenue":      "AnnualRevenue",
					"number_of_employees": "NumberOfEmployees",
					"last_updated":        "LastModifiedDate",
				},
			},
			"servicenow": {
				"core_company": {
					"company_id":   "sys_id",
					"company_name": "name",
					"phone_number": "phone",
					"website":      "website",
					"last_updated": "sys_updated_on",
				},
			},
		},
		FieldTypes: map[string]string{
			"company_id":          "String",
			"company_name":        "Nullable(String)",
			"status":              "Nullable(String)",
			"company_type":        "Nullable(String)",
			"address_line1":       "Nullable(String)",
			"city":                "Nullable(String)",
			"state":               "Nullable(String)",
			"zip":                 "Nullable(String)",
			"phone_number":        "Nullable(String)",
			"website":             "Nullable(String)",
			"annual_revenue":      "Nullable(Float64)",
			"number_of_employees": "Nullable(UInt32)",
			"last_updated":        "Nullable(DateTime)",
		},
		FieldOrder: []string{
			"company_id", "company_name", "status", "company_type",
			"address_line1", "city", "state", "zip", "phone_number",
			"website", "annual_revenue", "number_of_employees", "last_updated",
		},
		SCD: SCDType2,
	},
	"contacts": {
		Services: map[string]map[string]FieldMap{
			"connectwise": {
				"company/contacts": {
					"contact_id":   "id",
					"company_id":   "company__id",
					"first_name":   "firstName",
					"last_name":    "lastName",
					"email":        "communicationItems__value",
					"phone_number": "defaultPhoneNbr",
					"title":        "title",
					"last_updated": "_info__lastUpdated",
				},
			},
			"salesforce": {
				"Contact": {
					"contact_id":   "Id",
					"company_id":   "AccountId",
					"first_name":   "FirstName",
					"last_name":    "LastName",
					"email":        "Email",
					"phone_number": "Phone",
					"title":        "Title",
					"last_updated": "LastModifiedDate",
				},
			},
		},
		FieldTypes: map[string]string{
			"contact_id":   "String",
			"company_id":   "Nullable(String)",
			"first_name":   "Nullable(String)",
			"last_name":    "Nullable(String)",
			"email":        "Nullable(String)",
			"phone_number": "Nullable(String)",
			"title":        "Nullable(String)",
			"last_updated": "Nullable(DateTime)",
		},
		FieldOrder: []string{
			"contact_id", "company_id", "first_name", "last_name",
			"email", "phone_number", "title", "last_updated",
		},
		SCD: SCDType2,
	},
	"tickets": {
		Services: map[string]map[string]FieldMap{
			"connectwise": {
				"service/tickets": {
					"ticket_id":    "id",
					"company_id":   "company__id",
					"contact_id":   "contact__id",
					"summary":      "summary",
					"status":       "status__name",
					"priority":     "priority__name",
					"board":        "board__name",
					"closed_date":  "closedDate",
					"budget_hours": "budgetHours",
					"actual_hours": "actualHours",
					"last_updated": "_info__lastUpdated",
				},
			},
			"servicenow": {
				"incident": {
					"ticket_id":    "sys_id",
					"summary":      "short_description",
					"status":       "state",
					"priority":     "priority",
					"last_updated": "sys_updated_on",
				},
			},
		},
		FieldTypes: map[string]string{
			"ticket_id":    "String",
			"company_id":   "Nullable(String)",
			"contact_id":   "Nullable(String)",
			"summary":      "Nullable(String)",
			"status":       "Nullable(String)",
			"priority":     "Nullable(String)",
			"board":        "Nullable(String)",
			"closed_date":  "Nullable(DateTime)",
			"budget_hours": "Nullable(Float64)",
			"actual_hours": "Nullable(Float64)",
			"last_updated": "Nullable(DateTime)",
		},
		FieldOrder: []string{
			"ticket_id", "company_id", "contact_id", "summary", "status",
			"priority", "board", "closed_date", "budget_hours",
			"actual_hours", "last_updated",
		},
		SCD: SCDType2,
	},
	"time_entries": {
		Services: map[string]map[string]FieldMap{
			"connectwise": {
				"time/entries": {
					"entry_id":     "id",
					"company_id":   "company__id",
					"ticket_id":    "chargeToId",
					"member_name":  "member__name",
					"work_type":    "workType__name",
					"actual_hours": "actualHours",
					"notes":        "notes",
					"last_updated": "_info__lastUpdated",
				},
			},
		},
		FieldTypes: map[string]string{
			"entry_id":     "String",
			"company_id":   "Nullable(String)",
			"ticket_id":    "Nullable(String)",
			"member_name":  "Nullable(String)",
			"work_type":    "Nullable(String)",
			"actual_hours": "Nullable(Float64)",
			"notes":        "Nullable(String)",
			"last_updated": "Nullable(DateTime)",
		},
		FieldOrder: []string{
			"entry_id", "company_id", "ticket_id", "member_name",
			"work_type", "actual_hours", "notes", "last_updated",
		},
		SCD: SCDType1,
	},
}

// DefaultMapping returns the compiled-in mapping for a canonical table, or
// nil when the table has no default.
func DefaultMapping(tableType string) *Mapping {
	return defaultMappings[tableType]
}

// DefaultTables returns the canonical tables with compiled-in mappings, in
// sorted order.
func DefaultTables() []string {
	tables := make([]string, 0, len(defaultMappings))
	for table := range defaultMappings {
		tables = append(tables, table)
	}

	sort.Strings(tables)

	return tables
}

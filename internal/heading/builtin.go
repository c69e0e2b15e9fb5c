package heading

// ctx holds the FLAT context keys shared by every composition we write.
func ctx(extra map[string]any) map[string]any {
	out := map[string]any{
		"ctx/composer_name":             "=> defaultTo(author, 'Dr Tony Shannon')",
		"ctx/health_care_facility|id":   "999999-345",
		"ctx/health_care_facility|name": "Rippleburgh GP Practice",
		"ctx/id_namespace":              "NHS-UK",
		"ctx/id_scheme":                 "2.16.840.1.113883.2.1.4.3",
		"ctx/language":                  "en",
		"ctx/territory":                 "GB",
		"ctx/time":                      "=> now()",
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

const summaryHeader = `select
    a/uid/value as uid,
    a/composer/name/value as author,
    a/context/start_time/value as date_created,`

// Builtin returns the heading definitions shipped with the server.
func Builtin() []Definition {
	return []Definition{
		{
			Name:       "allergies",
			TemplateID: "IDCR - Adverse Reaction List.v1",
			AQL: summaryHeader + `
    b_a/data[at0001]/items[at0002]/value/value as cause,
    b_a/data[at0001]/items[at0002]/value/defining_code/code_string as cause_code,
    b_a/data[at0001]/items[at0002]/value/defining_code/terminology_id/value as cause_terminology,
    b_a/data[at0001]/items[at0009]/items[at0011]/value/value as reaction,
    b_a/data[at0001]/items[at0009]/items[at0011]/value/defining_code/code_string as reaction_code
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.adverse_reaction_list.v1]
contains EVALUATION b_a[openEHR-EHR-EVALUATION.adverse_reaction_risk.v1]`,
			Get: map[string]any{
				"cause":            "{{cause}}",
				"causeCode":        "{{cause_code}}",
				"causeTerminology": "{{cause_terminology}}",
				"reaction":         "{{reaction}}",
				"reactionCode":     "{{reaction_code}}",
				"author":           "{{author}}",
				"dateCreated":      "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/causative_agent|value":                  "{{cause}}",
				"adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/causative_agent|code":                   "{{causeCode}}",
				"adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/causative_agent|terminology":            "=> defaultTo(causeTerminology, 'SNOMED-CT')",
				"adverse_reaction_list/allergies_and_adverse_reactions/adverse_reaction_risk:0/reaction_details/manifestation:0|value": "{{reaction}}",
			}),
			SummaryFields: []string{"cause", "reaction"},
			SynopsisField: "cause",
		},
		{
			Name:       "problems",
			TemplateID: "IDCR - Problem List.v1",
			AQL: summaryHeader + `
    b_a/data[at0001]/items[at0002]/value/value as problem,
    b_a/data[at0001]/items[at0002]/value/defining_code/code_string as problem_code,
    b_a/data[at0001]/items[at0002]/value/defining_code/terminology_id/value as problem_terminology,
    b_a/data[at0001]/items[at0077]/value/value as date_of_onset,
    b_a/data[at0001]/items[at0009]/value/value as description
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.problem_list.v1]
contains EVALUATION b_a[openEHR-EHR-EVALUATION.problem_diagnosis.v1]`,
			Get: map[string]any{
				"problem":     "{{problem}}",
				"code":        "{{problem_code}}",
				"terminology": "{{problem_terminology}}",
				"dateOfOnset": "=> epochMs(date_of_onset)",
				"description": "{{description}}",
				"author":      "{{author}}",
				"dateCreated": "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"problem_list/problems_and_issues:0/problem_diagnosis:0/problem_diagnosis_name|value":       "{{problem}}",
				"problem_list/problems_and_issues:0/problem_diagnosis:0/problem_diagnosis_name|code":        "{{code}}",
				"problem_list/problems_and_issues:0/problem_diagnosis:0/problem_diagnosis_name|terminology": "=> defaultTo(terminology, 'SNOMED-CT')",
				"problem_list/problems_and_issues:0/problem_diagnosis:0/clinical_description":               "{{description}}",
				"problem_list/problems_and_issues:0/problem_diagnosis:0/date_time_of_onset":                 "=> isoDate(dateOfOnset)",
			}),
			SummaryFields: []string{"problem", "dateOfOnset"},
			SynopsisField: "problem",
		},
		{
			Name:       "medications",
			TemplateID: "IDCR - Medication Statement List.v0",
			AQL: summaryHeader + `
    b_a/items[at0001]/value/value as name,
    b_a/items[at0001]/value/defining_code/code_string as medication_code,
    b_a/items[at0001]/value/defining_code/terminology_id/value as medication_terminology,
    b_a/activities[at0001]/description/items[at0009]/value/value as dose_amount,
    b_a/activities[at0001]/description/items[at0173]/value/value as dose_timing,
    b_a/activities[at0001]/description/items[at0044]/value/value as route
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.medication_list.v0]
contains INSTRUCTION b_a[openEHR-EHR-INSTRUCTION.medication_order.v1]`,
			Get: map[string]any{
				"name":                  "{{name}}",
				"medicationCode":        "{{medication_code}}",
				"medicationTerminology": "{{medication_terminology}}",
				"doseAmount":            "{{dose_amount}}",
				"doseTiming":            "{{dose_timing}}",
				"route":                 "{{route}}",
				"author":                "{{author}}",
				"dateCreated":           "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"medication_statement_list/medication_and_medical_devices:0/current_medication:0/medication_statement:0/medication_item/medication_name|value":   "{{name}}",
				"medication_statement_list/medication_and_medical_devices:0/current_medication:0/medication_statement:0/medication_item/medication_name|code":    "{{medicationCode}}",
				"medication_statement_list/medication_and_medical_devices:0/current_medication:0/medication_statement:0/medication_item/dose_amount_description": "{{doseAmount}}",
				"medication_statement_list/medication_and_medical_devices:0/current_medication:0/medication_statement:0/medication_item/dose_timing_description": "{{doseTiming}}",
				"medication_statement_list/medication_and_medical_devices:0/current_medication:0/medication_statement:0/medication_item/route|value":             "{{route}}",
			}),
			SummaryFields: []string{"name", "doseAmount"},
			SynopsisField: "name",
		},
		{
			Name:       "procedures",
			TemplateID: "IDCR - Procedures List.v1",
			AQL: summaryHeader + `
    b_a/description[at0001]/items[at0002]/value/value as procedure_name,
    b_a/description[at0001]/items[at0002]/value/defining_code/code_string as procedure_code,
    b_a/description[at0001]/items[at0002]/value/defining_code/terminology_id/value as terminology,
    b_a/description[at0001]/items[at0049]/value/value as procedure_notes,
    b_a/other_participations/performer/name as performer,
    b_a/time/value as procedure_datetime,
    b_a/ism_transition/current_state/value as status
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.health_summary.v1]
contains ACTION b_a[openEHR-EHR-ACTION.procedure.v1]
where a/name/value='Procedures list'`,
			Get: map[string]any{
				"procedure_name": "{{procedure_name}}",
				"procedure_code": "{{procedure_code}}",
				"terminology":    "{{terminology}}",
				"notes":          "{{procedure_notes}}",
				"performer":      "{{performer}}",
				"date":           "=> dateOnly(procedure_datetime)",
				"time":           "=> timeOnly(procedure_datetime)",
				"status":         "{{status}}",
				"author":         "{{author}}",
				"dateCreated":    "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"procedures_list/procedures_list:0/procedure:0/procedure_name|value":              "{{procedure_name}}",
				"procedures_list/procedures_list:0/procedure:0/procedure_name|code":               "{{procedure_code}}",
				"procedures_list/procedures_list:0/procedure:0/procedure_name|terminology":        "=> defaultTo(terminology, 'SNOMED-CT')",
				"procedures_list/procedures_list:0/procedure:0/procedure_notes":                   "{{notes}}",
				"procedures_list/procedures_list:0/procedure:0/performer":                         "{{performer}}",
				"procedures_list/procedures_list:0/procedure:0/time":                              "=> concat(date, 'T', time)",
				"procedures_list/procedures_list:0/procedure:0/ism_transition/current_state|code": "532",
			}),
			SummaryFields: []string{"procedure_name", "date", "time"},
			SynopsisField: "procedure_name",
		},
		{
			Name:       "vaccinations",
			TemplateID: "IDCR - Immunisation summary.v0",
			AQL: summaryHeader + `
    b_a/description[at0001]/items[at0002]/value/value as vaccination_name,
    b_a/description[at0001]/items[at0002]/value/defining_code/code_string as vaccination_code,
    b_a/description[at0001]/items[at0021]/value/value as comment,
    b_a/description[at0001]/items[at0002]/value/defining_code/terminology_id/value as terminology,
    b_a/time/value as vaccination_datetime,
    b_a/description[at0001]/items[at0025]/value/magnitude as series_number
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.immunisation_summary.v0]
contains ACTION b_a[openEHR-EHR-ACTION.immunisation_procedure.v1]`,
			Get: map[string]any{
				"vaccinationName":     "{{vaccination_name}}",
				"vaccinationCode":     "{{vaccination_code}}",
				"terminology":         "{{terminology}}",
				"comment":             "{{comment}}",
				"series":              "{{series_number}}",
				"vaccinationDateTime": "=> epochMs(vaccination_datetime)",
				"author":              "{{author}}",
				"dateCreated":         "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"immunisation_summary/immunisation_procedure:0/immunisation_item/immunisation_name|value": "{{vaccinationName}}",
				"immunisation_summary/immunisation_procedure:0/immunisation_item/immunisation_name|code":  "{{vaccinationCode}}",
				"immunisation_summary/immunisation_procedure:0/immunisation_item/comment":                 "{{comment}}",
				"immunisation_summary/immunisation_procedure:0/immunisation_item/series_number":           "{{series}}",
				"immunisation_summary/immunisation_procedure:0/time":                                      "=> isoDate(vaccinationDateTime)",
				"immunisation_summary/immunisation_procedure:0/ism_transition/current_state|code":         "532",
			}),
			SummaryFields: []string{"vaccinationName", "dateCreated"},
			SynopsisField: "vaccinationName",
		},
		{
			Name:       "contacts",
			TemplateID: "IDCR - Relevant contacts.v0",
			AQL: summaryHeader + `
    b_a/items[at0001]/value/value as name,
    b_a/items[at0035]/value/value as relationship,
    b_a/items[at0030]/value/value as next_of_kin,
    b_a/items[at0017]/items[at0003]/items[at0004]/value/value as phone,
    b_a/items[at0025]/value/value as notes
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.care_summary.v0]
contains CLUSTER b_a[openEHR-EHR-CLUSTER.individual_personal_demographics.v1]`,
			Get: map[string]any{
				"name":         "{{name}}",
				"relationship": "{{relationship}}",
				"nextOfKin":    "{{next_of_kin}}",
				"phone":        "{{phone}}",
				"notes":        "{{notes}}",
				"author":       "{{author}}",
				"dateCreated":  "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"relevant_contacts_list/relevant_contacts:0/relevant_contact:0/personal_details/name":           "{{name}}",
				"relevant_contacts_list/relevant_contacts:0/relevant_contact:0/relationship_category|value":     "{{relationship}}",
				"relevant_contacts_list/relevant_contacts:0/relevant_contact:0/next_of_kin":                     "{{nextOfKin}}",
				"relevant_contacts_list/relevant_contacts:0/relevant_contact:0/personal_details/telecoms/phone": "{{phone}}",
				"relevant_contacts_list/relevant_contacts:0/relevant_contact:0/notes":                           "{{notes}}",
			}),
			SummaryFields: []string{"name", "relationship", "nextOfKin"},
			SynopsisField: "name",
		},
		{
			Name:       "personalnotes",
			TemplateID: "DiADEM Assessment.v1",
			AQL: summaryHeader + `
    b_a/data[at0001]/items[at0002]/value/value as note_type,
    b_a/data[at0001]/items[at0003]/value/value as notes
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.encounter.v1]
contains EVALUATION b_a[openEHR-EHR-EVALUATION.clinical_synopsis.v1]
where a/name/value='Personal Notes'`,
			Get: map[string]any{
				"noteType":    "{{note_type}}",
				"notes":       "{{notes}}",
				"author":      "{{author}}",
				"dateCreated": "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"personal_notes/clinical_synopsis:0/_name|value": "{{noteType}}",
				"personal_notes/clinical_synopsis:0/notes":       "{{notes}}",
			}),
			SummaryFields: []string{"noteType", "author", "dateCreated"},
			SynopsisField: "noteType",
		},
		{
			Name: Counts,
			AQL: `select
    e/ehr_id/value as ehr_id,
    count(a/uid/value) as count
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a`,
			Get: map[string]any{
				"ehrId": "{{ehr_id}}",
				"count": "{{count}}",
			},
			SummaryFields: []string{"count"},
			SynopsisField: "count",
		},
		{
			Name:       "respectforms",
			TemplateID: "RESPECT_NSS-v0",
			Versioned:  true,
			AQL: summaryHeader + `
    a/context/other_context[at0001]/items[at0003]/value/value as status,
    a/context/other_context[at0001]/items[at0002]/value/value as summary_information
from EHR e [ehr_id/value = '{{ehrId}}']
contains COMPOSITION a[openEHR-EHR-COMPOSITION.respect_summary.v0]`,
			VersionsQuery: `select
    c.id as uid,
    c.sys_transaction as date_created
from ehr.composition_history c
where c.id = '{{compositionId}}'
order by c.sys_transaction`,
			Get: map[string]any{
				"version":            "=> versionOf(uid)",
				"status":             "{{status}}",
				"summaryInformation": "{{summary_information}}",
				"author":             "{{author}}",
				"dateCreated":        "=> epochMs(date_created)",
			},
			Post: ctx(map[string]any{
				"respect_form/context/status":              "=> defaultTo(status, 'incomplete')",
				"respect_form/summary_information/summary": "{{summaryInformation}}",
			}),
			SummaryFields: []string{"version", "author", "dateCreated", "status"},
			SynopsisField: "status",
			Helpers:       versionHelpers(),
		},
	}
}

package documents

import "sort"

const (
	CategoryRadiology        = "radiology"
	CategoryPathology        = "pathology"
	CategoryCardiology       = "cardiology"
	CategoryProgressTracking = "progress_tracking"
	CategoryAdministrative   = "administrative"
	CategoryPrescriptions    = "prescriptions"
	CategoryClinicalNotes    = "clinical_notes"
	CategoryImmunization     = "immunization"
	CategoryGeneral          = "general"
)

// DocumentTypeOther is used when an upload does not declare a type.
const DocumentTypeOther = "other"

var typeCategories = map[string]string{
	"x_ray":               CategoryRadiology,
	"mri":                 CategoryRadiology,
	"ct_scan":             CategoryRadiology,
	"ultrasound":          CategoryRadiology,
	"mammogram":           CategoryRadiology,
	"scan":                CategoryRadiology,
	"lab_report":          CategoryPathology,
	"blood_test":          CategoryPathology,
	"pathology_report":    CategoryPathology,
	"urine_test":          CategoryPathology,
	"ecg":                 CategoryCardiology,
	"echocardiogram":      CategoryCardiology,
	"stress_test":         CategoryCardiology,
	"progress_photo":      CategoryProgressTracking,
	"before_photo":        CategoryProgressTracking,
	"after_photo":         CategoryProgressTracking,
	"wound_photo":         CategoryProgressTracking,
	"insurance":           CategoryAdministrative,
	"medical_certificate": CategoryAdministrative,
	"consent_form":        CategoryAdministrative,
	"billing":             CategoryAdministrative,
	"referral_letter":     CategoryAdministrative,
	"prescription":        CategoryPrescriptions,
	"discharge_summary":   CategoryClinicalNotes,
	"consultation_note":   CategoryClinicalNotes,
	"vaccination_record":  CategoryImmunization,
	DocumentTypeOther:     CategoryGeneral,
}

// Classify maps a document type to its display category. Unknown types are
// "general".
func Classify(documentType string) string {
	if c, ok := typeCategories[documentType]; ok {
		return c
	}
	return CategoryGeneral
}

// ValidDocumentType reports whether t is in the closed set of document types.
func ValidDocumentType(t string) bool {
	_, ok := typeCategories[t]
	return ok
}

// DocumentTypes returns the accepted document types in sorted order.
func DocumentTypes() []string {
	out := make([]string, 0, len(typeCategories))
	for t := range typeCategories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

package documents

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		docType string
		want    string
	}{
		{"x_ray", CategoryRadiology},
		{"ct_scan", CategoryRadiology},
		{"blood_test", CategoryPathology},
		{"ecg", CategoryCardiology},
		{"wound_photo", CategoryProgressTracking},
		{"insurance", CategoryAdministrative},
		{"prescription", CategoryPrescriptions},
		{"discharge_summary", CategoryClinicalNotes},
		{"vaccination_record", CategoryImmunization},
		{"other", CategoryGeneral},
		{"", CategoryGeneral},
		{"X_RAY", CategoryGeneral},
		{"hologram", CategoryGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.docType, func(t *testing.T) {
			if got := Classify(tt.docType); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.docType, got, tt.want)
			}
		})
	}
}

func TestDocumentTypes_AllClassified(t *testing.T) {
	types := DocumentTypes()
	if len(types) != len(typeCategories) {
		t.Fatalf("expected %d types, got %d", len(typeCategories), len(types))
	}
	for i, dt := range types {
		if i > 0 && types[i-1] >= dt {
			t.Errorf("expected sorted output, %q before %q", types[i-1], dt)
		}
		if !ValidDocumentType(dt) {
			t.Errorf("expected %q to be valid", dt)
		}
		if Classify(dt) == "" {
			t.Errorf("expected a category for %q", dt)
		}
	}
	if ValidDocumentType("selfie") {
		t.Error("expected unknown type to be invalid")
	}
}

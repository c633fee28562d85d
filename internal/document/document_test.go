package document

import "testing"

func TestParseStatus(t *testing.T) {
	valid := []string{"pending", "in_progress", "completed", "failed", "needs_review"}
	for _, s := range valid {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q): %v", s, err)
		}
	}

	invalid := []string{"", "done", "Completed", "manual_review", "error"}
	for _, s := range invalid {
		if _, err := ParseStatus(s); err == nil {
			t.Errorf("ParseStatus(%q): expected error", s)
		}
	}
}

func TestParseTier(t *testing.T) {
	cases := map[string]Tier{
		"tier_1":       Tier1,
		"tier_2":       Tier2,
		"tier_3":       Tier3,
		"1":            Tier1,
		"3":            Tier3,
		"unclassified": TierUnclassified,
	}
	for in, want := range cases {
		got, err := ParseTier(in)
		if err != nil {
			t.Errorf("ParseTier(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseTier(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseTier("tier_4"); err == nil {
		t.Error("ParseTier(tier_4): expected error")
	}
}

func TestRecordValidate(t *testing.T) {
	score := 0.9

	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"pending ok", Record{ID: 1, Status: StatusPending}, false},
		{"completed ok", Record{ID: 2, Status: StatusCompleted, AttemptCount: 1, QualityScore: &score}, false},
		{"completed no score", Record{ID: 3, Status: StatusCompleted, AttemptCount: 1}, true},
		{"completed no attempts", Record{ID: 4, Status: StatusCompleted, QualityScore: &score}, true},
		{"failed before retry limit", Record{ID: 5, Status: StatusFailed, AttemptCount: 1}, true},
		{"failed at retry limit", Record{ID: 6, Status: StatusFailed, AttemptCount: 3}, false},
		{"negative attempts", Record{ID: 7, Status: StatusPending, AttemptCount: -1}, true},
	}

	for _, tt := range tests {
		err := tt.rec.Validate(3)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr=%v", tt.name, err, tt.wantErr)
		}
	}
}

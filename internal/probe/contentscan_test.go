package probe

import "testing"

func TestScanText(t *testing.T) {
	tests := []struct {
		name        string
		stream      string
		wantTotal   int
		wantNonASCI int
	}{
		{
			name:      "simple Tj",
			stream:    `BT /F1 12 Tf 72 720 Td (Hello) Tj ET`,
			wantTotal: 5,
		},
		{
			name:      "TJ array with kerning",
			stream:    `BT [(Total) -250 (Votes)] TJ ET`,
			wantTotal: 10,
		},
		{
			name:      "string never shown",
			stream:    `BT (orphan) /F1 12 Tf ET`,
			wantTotal: 0,
		},
		{
			name:        "hex string counts as non-ascii",
			stream:      `BT <0915092e> Tj ET`,
			wantTotal:   4,
			wantNonASCI: 4,
		},
		{
			name:      "escapes and nesting",
			stream:    `BT (a\(b\)c) Tj ET`,
			wantTotal: 5,
		},
		{
			name:      "octal escape",
			stream:    `BT (\101\102) Tj ET`,
			wantTotal: 2,
		},
		{
			name:        "raw high bytes",
			stream:      "BT (a\xe0\xa4\x95) Tj ET",
			wantTotal:   4,
			wantNonASCI: 3,
		},
		{
			name:      "dictionary is not a string",
			stream:    `<< /Length 42 >> stream`,
			wantTotal: 0,
		},
		{
			name:      "comment ignored",
			stream:    "% (not text)\nBT (ok) Tj ET",
			wantTotal: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, nonASCII := ScanText([]byte(tt.stream))
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if nonASCII != tt.wantNonASCI {
				t.Errorf("nonASCII = %d, want %d", nonASCII, tt.wantNonASCI)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	stream := `BT /F1 10 Tf 72 720 Td (Serial No. 1) Tj 0 -14 Td [(1) -200 (245) -200 (312)] TJ ET`
	got := ExtractText([]byte(stream))
	want := "Serial No. 1\n1245312\n"
	if got != want {
		t.Errorf("ExtractText = %q, want %q", got, want)
	}
}

func TestExtractTextEscapes(t *testing.T) {
	got := ExtractText([]byte(`BT (Line\nbreak \(quoted\)) Tj ET`))
	if got != "Line\nbreak (quoted)\n" {
		t.Errorf("ExtractText = %q", got)
	}
}

func TestPageOrdinal(t *testing.T) {
	if got := pageOrdinal("AC_216_Content_page_10.txt"); got != 10 {
		t.Errorf("pageOrdinal = %d, want 10", got)
	}
	if got := pageOrdinal("nonumber.txt"); got != 0 {
		t.Errorf("pageOrdinal = %d, want 0", got)
	}
}

package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/electionarchive/form20-extract/internal/document"
)

var (
	constituencyRe = regexp.MustCompile(`(?i)(\d{1,3})\s*[-\s]\s*([A-Z][A-Z .]{2,})`)

	electorsRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)total\s+no\.?\s*of\s+electors\D{0,40}(\d{6,})`),
		regexp.MustCompile(`(?i)total\D{0,20}electors\D{0,40}(\d{6,})`),
		regexp.MustCompile(`(?i)electors\D{0,40}(\d{6,})`),
		regexp.MustCompile(`(\d{6,})`),
	}

	candidateHeaderRe = regexp.MustCompile(`(?i)valid\s+votes\s+cast\s+in\s+favour`)

	numberRe = regexp.MustCompile(`\d+`)
)

// candidateSkipWords mark header lines that look like column labels,
// not candidate names.
var candidateSkipWords = []string{"serial", "poll", "total", "nota", "rejected", "tender", "station", "votes"}

// parseForm20 parses a Form 20 text layer into structured fields.
// Returns a KindNoData error when no polling station rows are found.
func parseForm20(text string, id int) (document.Fields, error) {
	fields := document.Fields{ConstituencyNumber: id}
	lines := strings.Split(text, "\n")

	parseHeader(&fields, lines, id)

	names := candidateNames(lines)
	for _, name := range names {
		fields.Candidates = append(fields.Candidates, document.Candidate{Name: name})
	}

	parseStations(&fields, lines)

	if len(fields.Stations) == 0 {
		return fields, Errorf(KindNoData, "no polling station rows found for document %d", id)
	}

	// Fold per-station votes into candidate totals and pick the winner.
	for _, st := range fields.Stations {
		for i, v := range st.CandidateVotes {
			for len(fields.Candidates) <= i {
				fields.Candidates = append(fields.Candidates, document.Candidate{
					Name: "Candidate " + strconv.Itoa(len(fields.Candidates)+1),
				})
			}
			fields.Candidates[i].Votes += v
		}
	}
	if len(fields.Candidates) > 0 {
		best := 0
		for i, c := range fields.Candidates {
			if c.Votes > fields.Candidates[best].Votes {
				best = i
			}
		}
		fields.ElectedPerson = fields.Candidates[best].Name
	}

	return fields, nil
}

func parseHeader(fields *document.Fields, lines []string, id int) {
	head := strings.Join(lines[:min(len(lines), 40)], "\n")

	for _, m := range constituencyRe.FindAllStringSubmatch(head, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n == id {
			fields.ConstituencyName = strings.TrimSpace(m[2])
			break
		}
	}

	for _, re := range electorsRes {
		if m := re.FindStringSubmatch(head); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 100000 {
				fields.TotalElectors = n
				break
			}
		}
	}
}

// candidateNames scans the lines after the "valid votes cast in favour
// of" header for candidate names, stopping at the first data row.
func candidateNames(lines []string) []string {
	start := -1
	for i, line := range lines {
		if candidateHeaderRe.MatchString(line) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	var names []string
	for i := start + 1; i < len(lines) && i <= start+20; i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || len(line) <= 2 {
			continue
		}
		if isDataRow(line) {
			break
		}
		lower := strings.ToLower(line)
		skip := false
		for _, w := range candidateSkipWords {
			if strings.Contains(lower, w) {
				skip = true
				break
			}
		}
		if !skip {
			names = append(names, line)
		}
	}
	return names
}

func parseStations(fields *document.Fields, lines []string) {
	lastSerial := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !isDataRow(line) {
			continue
		}
		nums := lineNumbers(line)
		// serial | candidate votes | valid | rejected | NOTA | total
		if len(nums) < 5 {
			continue
		}
		serial := nums[0]
		if serial <= lastSerial || serial > lastSerial+200 {
			// summary rows repeat totals without a fresh serial
			continue
		}
		n := len(nums)
		row := document.StationRow{
			Serial:         serial,
			CandidateVotes: nums[1 : n-4],
			Valid:          nums[n-4],
			Rejected:       nums[n-3],
			NOTA:           nums[n-2],
			Total:          nums[n-1],
		}
		fields.Stations = append(fields.Stations, row)
		lastSerial = serial
	}
}

// isDataRow reports whether a line looks like a polling station row:
// it starts with a serial number and is mostly numeric.
func isDataRow(line string) bool {
	f := strings.Fields(line)
	if len(f) < 5 {
		return false
	}
	if _, err := strconv.Atoi(f[0]); err != nil {
		return false
	}
	numeric := 0
	for _, tok := range f {
		if _, err := strconv.Atoi(tok); err == nil {
			numeric++
		}
	}
	return numeric*2 >= len(f)
}

func lineNumbers(line string) []int {
	var nums []int
	for _, m := range numberRe.FindAllString(line, -1) {
		if v, err := strconv.Atoi(m); err == nil {
			nums = append(nums, v)
		}
	}
	return nums
}

// normalizeDigits rewrites Devanagari numerals to ASCII so the numeric
// row parser works on Marathi-script documents.
func normalizeDigits(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r >= '०' && r <= '९' }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '०' && r <= '९' {
			b.WriteRune('0' + (r - '०'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package tools

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

// The tools below are deterministic stand-ins; they never call out to
// external services.

func webSearch(input string) string {
	return fmt.Sprintf("Simulated search results for: %s", input)
}

// summarize reports the input length in UTF-16 code units, matching what the
// web client displays for the same text.
func summarize(input string) string {
	return fmt.Sprintf("Summarized content of length %d", len(utf16.Encode([]rune(input))))
}

func synthesize(input string) string {
	return fmt.Sprintf("Synthesized findings from: %s", input)
}

func visualSynthesis(input string) string {
	return fmt.Sprintf("Generated visual summary for: %s", input)
}

func outline(input string) string {
	topic := strings.TrimSpace(input)
	if topic == "" {
		topic = "untitled"
	}
	sections := []string{"Introduction", "Background", "Key Findings", "Conclusion"}
	var b strings.Builder
	fmt.Fprintf(&b, "Outline for: %s", topic)
	for i, s := range sections {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}

func analyzeCSV(input string) string {
	r := csv.NewReader(strings.NewReader(input))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var (
		header  []string
		rows    int
		maxCols int
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Sprintf("Analyzed CSV: could not parse input: %v", err)
		}
		if header == nil {
			header = rec
		} else {
			rows++
		}
		if len(rec) > maxCols {
			maxCols = len(rec)
		}
	}
	if header == nil {
		return "Analyzed CSV: no data"
	}
	return fmt.Sprintf("Analyzed CSV: %d rows, %d columns (%s)", rows, maxCols, strings.Join(header, ", "))
}

func finalizeProject(input string) string {
	return fmt.Sprintf("Finalized project: %s", input)
}

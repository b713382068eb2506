package extract

import (
	"regexp"
	"strings"
)

const (
	eventsMarker = "events:"
	logMarker    = "\n\n log"
	noiseMarker  = "null -> null"
)

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?`)
	datePattern      = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// Sections is a call-log body split at its "events:" and " log" markers.
type Sections struct {
	// Events is the noise-filtered events section, trimmed.
	Events string
	// Log is the remainder starting at the log marker.
	Log string
	// HasEvents reports whether an events marker was present.
	HasEvents bool
}

// SplitSections locates the events marker and, after it, the log marker.
// Text before the events marker is discarded. Without an events marker the
// whole text is treated as the log section.
func SplitSections(text string) Sections {
	eventsIndex := strings.Index(text, eventsMarker)
	if eventsIndex < 0 {
		return Sections{Log: text}
	}

	rest := text[eventsIndex:]
	logIndex := strings.Index(rest, logMarker)
	if logIndex < 0 {
		return Sections{Events: FilterNoise(rest), HasEvents: true}
	}
	return Sections{
		Events:    FilterNoise(rest[:logIndex]),
		Log:       rest[logIndex:],
		HasEvents: true,
	}
}

// FilterNoise drops lines carrying the uninformative "null -> null"
// transition and trims the result. Remaining lines keep their order.
func FilterNoise(section string) string {
	lines := strings.Split(section, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, noiseMarker) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Lines splits a section into lines, tolerating CRLF endings.
func Lines(section string) []string {
	if section == "" {
		return nil
	}
	lines := strings.Split(section, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// Timestamp returns the first YYYY-MM-DD[ T]HH:MM:SS[.fff] occurrence.
func Timestamp(line string) (string, bool) {
	match := timestampPattern.FindString(line)
	return match, match != ""
}

// Date returns the first YYYY-MM-DD occurrence.
func Date(text string) (string, bool) {
	match := datePattern.FindString(text)
	return match, match != ""
}

// DayStart turns the first date found in text into a start-of-day filter
// value (YYYY-MM-DDT00:00:00).
func DayStart(text string) (string, bool) {
	date, ok := Date(text)
	if !ok {
		return "", false
	}
	return date + "T00:00:00", true
}

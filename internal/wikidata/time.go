package wikidata

import (
	"strconv"
	"strings"
	"time"
)

// Time precisions used by dump time values.
const (
	PrecisionYear  = 9
	PrecisionMonth = 10
	PrecisionDay   = 11
)

// TimeValue is a dump timestamp such as "+1952-03-11T00:00:00Z" with its precision.
type TimeValue struct {
	Raw       string `json:"time"`
	Precision int    `json:"precision"`
}

// Earliest resolves the value to the earliest instant it denotes: year
// precision (or coarser) becomes January 1st, month precision the 1st of the
// month. Years outside four digits are not representable and report false.
func (t TimeValue) Earliest() (time.Time, bool) {
	s := t.Raw
	sign := 1
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	}
	datePart, _, _ := strings.Cut(s, "T")
	fields := strings.Split(datePart, "-")
	if len(fields) != 3 {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(fields[0])
	if err != nil || year > 9999 {
		return time.Time{}, false
	}
	month, err1 := strconv.Atoi(fields[1])
	day, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || month < 0 || month > 12 || day < 0 || day > 31 {
		return time.Time{}, false
	}
	if t.Precision < PrecisionMonth || month == 0 {
		month = 1
	}
	if t.Precision < PrecisionDay || day == 0 {
		day = 1
	}
	return time.Date(sign*year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

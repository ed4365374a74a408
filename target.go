package shift

import (
	"regexp"
	"time"
)

// VersionLayout is the time layout of a migration version
const VersionLayout = "20060102150405"

var digitsPattern = regexp.MustCompile(`^\d+$`)

// datePadding completes a partial date to a full version, keyed by digit count
var datePadding = map[int]string{
	4:  "0101000000",
	6:  "01000000",
	8:  "000000",
	10: "0000",
	12: "00",
	14: "",
}

// ResolveDateTarget turns a YYYY[MM[DD[HH[II[SS]]]]] date into a 14 digit version.
// Missing month and day become 01, missing hours, minutes and seconds become 00.
func ResolveDateTarget(date string) (string, error) {
	pad, ok := datePadding[len(date)]
	if !ok || !digitsPattern.MatchString(date) {
		return "", &TargetError{Target: date, Err: ErrInvalidDate}
	}
	version := date + pad
	if _, err := time.Parse(VersionLayout, version); err != nil {
		return "", &TargetError{Target: date, Err: ErrInvalidDate}
	}
	return version, nil
}

// FormatVersion formats t as a version string
func FormatVersion(t time.Time) string {
	return t.UTC().Format(VersionLayout)
}

package reports

import "time"

// Bucket classifies how overdue an open balance is relative to a cutoff
// date. Bucket names follow the report vocabulary the statements use.
type Bucket string

const (
	BucketPorVencer Bucket = "POR_VENCER"
	Bucket1To30     Bucket = "D1_30"
	Bucket31To60    Bucket = "D31_60"
	Bucket61To90    Bucket = "D61_90"
	Bucket90Plus    Bucket = "D90_PLUS"
)

// Buckets lists the buckets in report order.
var Buckets = []Bucket{BucketPorVencer, Bucket1To30, Bucket31To60, Bucket61To90, Bucket90Plus}

// DaysOverdue returns calendar days between the due date and the cutoff.
// Due date is document date plus the credit term. Negative values mean the
// document is not yet due.
func DaysOverdue(docDate, cutoff time.Time, termDays int) int {
	due := docDate.AddDate(0, 0, termDays)
	return daysBetween(due, cutoff)
}

func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

// Classify maps days overdue onto an aging bucket.
func Classify(daysOverdue int) Bucket {
	switch {
	case daysOverdue < 0:
		return BucketPorVencer
	case daysOverdue <= 30:
		return Bucket1To30
	case daysOverdue <= 60:
		return Bucket31To60
	case daysOverdue <= 90:
		return Bucket61To90
	default:
		return Bucket90Plus
	}
}

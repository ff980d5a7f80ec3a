package receipt

import (
	"time"

	"github.com/zombor/receipt-manager/internal/naming"
)

// GuaranteeEndDate adds a guarantee duration to a YYYY-Mon-DD purchase date.
//
// A zero duration means the guarantee never expires. Month arithmetic clamps
// to the last day of the target month. Year guarantees always end on the last
// day of the month they land in. Unparseable dates and unknown units yield the
// placeholder as well.
func GuaranteeEndDate(purchaseDate string, duration int, unit string) string {
	if duration == 0 {
		return naming.Placeholder
	}
	start, err := time.Parse("2006-Jan-2", purchaseDate)
	if err != nil {
		return naming.Placeholder
	}

	var end time.Time
	switch unit {
	case UnitDays:
		end = start.AddDate(0, 0, duration)
	case UnitMonths:
		end = addMonthsClamped(start, duration)
	case UnitYears:
		end = lastDayOfMonth(start.Year()+duration, start.Month())
	default:
		return naming.Placeholder
	}
	return end.Format(naming.DateLayout)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	total := int(t.Month()) - 1 + months
	year := t.Year() + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)

	last := lastDayOfMonth(year, month)
	if t.Day() < last.Day() {
		return time.Date(year, month, t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return last
}

func lastDayOfMonth(year int, month time.Month) time.Time {
	// Day 0 of the following month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

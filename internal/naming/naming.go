// Package naming derives deterministic, filesystem-safe names for stored
// receipt files from record fields. Every function here is pure.
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// Placeholder is the value the rest of the system uses for "not set".
	Placeholder = "N/A"

	// MaxFilenameLength bounds synthesized file names, extension included.
	MaxFilenameLength = 200

	missingSegment = "NA"
	emptySegment   = "unnamed"
	noUserSegment  = "NoUser"

	// DateLayout is the canonical textual purchase date form, e.g. 2024-Jan-31.
	DateLayout = "2006-Jan-02"
	// dateParseLayout accepts single-digit days as well.
	dateParseLayout = "2006-Jan-2"
	filenameDate    = "2006Jan02"
)

var groupIDPattern = regexp.MustCompile(`RG-(\d+)`)

// NextGroupID returns the group id following the highest numeric suffix found
// in existing. Ids without a parseable suffix are ignored.
func NextGroupID(existing []string) string {
	highest := 0
	for _, id := range existing {
		m := groupIDPattern.FindStringSubmatch(id)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("RG-%04d", highest+1)
}

func isForbidden(r rune) bool {
	if unicode.IsControl(r) {
		return true
	}
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return false
}

// SanitizeSegment turns free text into a single path segment of at most
// maxLen characters. Missing input yields "NA"; input that sanitizes to
// nothing (or to dots only) yields "unnamed". Both placeholders are cut to
// maxLen as well.
func SanitizeSegment(text string, maxLen int) string {
	if text == "" || text == Placeholder {
		return clampRunes(missingSegment, maxLen)
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range norm.NFC.String(text) {
		if isForbidden(r) {
			continue
		}
		if unicode.IsSpace(r) || r == '-' {
			pendingHyphen = true
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	// Whitespace and hyphen runs collapse to one hyphen, never at either end.
	out := strings.TrimLeft(b.String(), "-")

	if maxLen >= 0 {
		runes := []rune(out)
		if len(runes) > maxLen {
			out = strings.TrimRight(string(runes[:maxLen]), "-")
		}
	}

	if strings.Trim(out, ".") == "" {
		return clampRunes(emptySegment, maxLen)
	}
	return out
}

// clampRunes cuts s to maxLen runes; a negative maxLen means no limit
func clampRunes(s string, maxLen int) string {
	if maxLen < 0 || runeLen(s) <= maxLen {
		return s
	}
	return truncateRunes(s, maxLen)
}

// FormatDateForFilename renders a canonical YYYY-Mon-DD date as YYYYMonDD.
// Unparseable input falls back to the raw text with hyphens removed.
func FormatDateForFilename(date string) string {
	t, err := time.Parse(dateParseLayout, date)
	if err != nil {
		return strings.ReplaceAll(date, "-", "")
	}
	return t.Format(filenameDate)
}

// ItemFields are the item attributes that feed into file names and folders.
type ItemFields struct {
	Brand    string
	Model    string
	Location string
	Project  string
	Users    []string
}

// ReceiptFields are the receipt attributes that feed into file names.
type ReceiptFields struct {
	GroupID       string
	Shop          string
	PurchaseDate  string
	Documentation string
}

// BuildSingleItemFilename names the file of a group holding exactly one item.
func BuildSingleItemFilename(item ItemFields, receipt ReceiptFields, ext string) string {
	users := noUserSegment
	if len(item.Users) > 0 {
		limit := min(len(item.Users), 3)
		names := make([]string, 0, limit)
		for _, u := range item.Users[:limit] {
			names = append(names, SanitizeSegment(u, 15))
		}
		users = strings.Join(names, "-")
	}

	parts := []string{
		SanitizeSegment(item.Brand, 30),
		SanitizeSegment(item.Model, 30),
		FormatDateForFilename(receipt.PurchaseDate),
		SanitizeSegment(receipt.Shop, 20),
		SanitizeSegment(item.Location, 20),
		users,
		SanitizeSegment(receipt.Documentation, 20),
	}
	base := strings.Join(parts, "-")
	if runeLen(base)+runeLen(ext) > MaxFilenameLength {
		base = truncateRunes(base, MaxFilenameLength-runeLen(ext))
	}
	return base + ext
}

// BuildMultiItemFilename names the file of a group holding several items.
// Only receipt fields are used, and the group id always survives truncation.
func BuildMultiItemFilename(receipt ReceiptFields, ext string) string {
	head := strings.Join([]string{
		SanitizeSegment(receipt.Shop, 40),
		FormatDateForFilename(receipt.PurchaseDate),
		SanitizeSegment(receipt.Documentation, 40),
	}, "-")

	full := head + "-" + receipt.GroupID + ext
	if runeLen(full) <= MaxFilenameLength {
		return full
	}
	allowed := MaxFilenameLength - runeLen(ext) - runeLen(receipt.GroupID) - 1
	head = strings.TrimRight(truncateRunes(head, allowed), "-")
	return head + "-" + receipt.GroupID + ext
}

// StorageDirectoryFor returns the folder, directly under the storage root,
// that holds an item's file: its project when set, otherwise its brand.
func StorageDirectoryFor(item ItemFields) string {
	if item.Project != "" && item.Project != Placeholder {
		return SanitizeSegment(item.Project, 50)
	}
	return SanitizeSegment(item.Brand, 50)
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

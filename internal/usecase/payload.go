package usecase

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"time"
)

// providerTimeLayouts covers the date shapes the providers emit: RFC 3339
// with and without sub-second precision, and the tracker's zone-offset form.
var providerTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

func parseProviderTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range providerTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// updatedProbe is a payload's parsed update timestamp; Known is false when
// the field was absent or unparseable, which keeps the item.
type updatedProbe struct {
	At    time.Time
	Known bool
}

// filterBySince truncates an updated-DESC page at the incremental boundary:
// the first item at or before since ends the scan, everything after it is
// dropped without inspection.
func filterBySince(items []json.RawMessage, since time.Time, at func(json.RawMessage) updatedProbe) (kept []json.RawMessage, terminated bool) {
	if since.IsZero() {
		return items, false
	}
	for _, it := range items {
		p := at(it)
		if p.Known && !p.At.After(since) {
			return kept, true
		}
		kept = append(kept, it)
	}
	return kept, false
}

// fingerprint derives a stable external id from its parts; used for rows
// that have no provider id of their own, such as work-item-to-PR links.
func fingerprint(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// issueKeyRe matches tracker issue keys such as ENG-1423 in PR titles and
// branch names.
var issueKeyRe = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)

func issueKeysIn(texts ...string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, t := range texts {
		for _, k := range issueKeyRe.FindAllString(t, -1) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

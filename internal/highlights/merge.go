package highlights

// MergeReport counts what happened to the incoming side of a merge.
type MergeReport struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
}

// Merge appends every incoming record whose identity key is not already
// present. Existing records are never reordered or modified.
func Merge(existing, incoming []Highlight) []Highlight {
	merged, _ := MergeWithReport(existing, incoming)
	return merged
}

func MergeWithReport(existing, incoming []Highlight) ([]Highlight, MergeReport) {
	var report MergeReport
	merged := make([]Highlight, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, h := range existing {
		seen[h.Key()] = struct{}{}
	}
	for _, h := range incoming {
		if h.Validate() != nil {
			report.Dropped++
			continue
		}
		key := h.Key()
		if _, ok := seen[key]; ok {
			report.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, h)
		report.Added++
	}
	return merged, report
}

// ApplyNote replaces the note of every record captured at timestamp on url.
// The input slice is not modified.
func ApplyNote(collection []Highlight, timestamp, url, note string) ([]Highlight, bool) {
	out := make([]Highlight, len(collection))
	copy(out, collection)
	matched := false
	for i := range out {
		if out[i].Timestamp == timestamp && out[i].URL == url {
			out[i].Note = note
			matched = true
		}
	}
	return out, matched
}

package reconcile

import "sort"

// ComputeDiff returns the operations needed to move current to desired.
//
// Only keys named in desired are considered: a value that is absent or
// different becomes a SET, a nil value becomes a DELETE when current holds an
// explicit override and is a no-op otherwise. Keys set on the cluster but not
// mentioned in desired are left alone. The result is sorted by key.
func ComputeDiff(desired DesiredConfig, current CurrentConfig) ConfigDiff {
	keys := make([]string, 0, len(desired.Options))
	for k := range desired.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var diff ConfigDiff
	for _, key := range keys {
		want := desired.Options[key]
		have, overridden := current.Entries[key]
		if current.Sensitive[key] {
			overridden = true
		}

		if want == nil {
			if overridden {
				diff = append(diff, Op{Type: OpDelete, Key: key})
			}
			continue
		}

		// The cluster never discloses sensitive values, so a set override is
		// taken as matching.
		if current.Sensitive[key] {
			continue
		}
		if !overridden || have != *want {
			diff = append(diff, Op{Type: OpSet, Key: key, Value: *want})
		}
	}
	return diff
}

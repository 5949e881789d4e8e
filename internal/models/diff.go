package models

import (
	"fmt"
	"reflect"
	"sort"
)

// Change is one attribute-level difference between a stored entity and an
// incoming update. Changes feed both the changelog and the catalog/fleet
// mirroring passes of the update workflows.
type Change struct {
	Attrib string
	Old    any
	New    any
}

// DiffTitles computes the attribute-level diff between the stored and
// incoming title. Only attributes carrying a `changelog` struct tag are
// tracked; slice attributes are compared as sorted multisets so reordering
// alone is not a change.
func DiffTitles(stored, incoming *Title) []Change {
	return diffTagged(reflect.ValueOf(stored).Elem(), reflect.ValueOf(incoming).Elem())
}

// DiffVersions computes the attribute-level diff between the stored and
// incoming version, with the same tracking rules as DiffTitles.
func DiffVersions(stored, incoming *Version) []Change {
	return diffTagged(reflect.ValueOf(stored).Elem(), reflect.ValueOf(incoming).Elem())
}

// Changed reports whether the diff contains the named attribute.
func Changed(changes []Change, attrib string) bool {
	for _, c := range changes {
		if c.Attrib == attrib {
			return true
		}
	}
	return false
}

func diffTagged(stored, incoming reflect.Value) []Change {
	var changes []Change
	t := stored.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := t.Field(i).Tag.Lookup("changelog")
		if !ok {
			continue
		}
		oldField := stored.Field(i)
		newField := incoming.Field(i)
		if equalField(oldField, newField) {
			continue
		}
		changes = append(changes, Change{
			Attrib: name,
			Old:    oldField.Interface(),
			New:    newField.Interface(),
		})
	}
	return changes
}

func equalField(a, b reflect.Value) bool {
	if a.Kind() == reflect.Slice {
		return equalMultiset(a, b)
	}
	return reflect.DeepEqual(a.Interface(), b.Interface())
}

// equalMultiset compares two slices ignoring element order. Elements are
// keyed by their string rendering, which is unambiguous for the slice types
// tracked here (strings, ints, killapps).
func equalMultiset(a, b reflect.Value) bool {
	if a.Len() != b.Len() {
		return false
	}
	return fmt.Sprint(sortedKeys(a)) == fmt.Sprint(sortedKeys(b))
}

func sortedKeys(v reflect.Value) []string {
	keys := make([]string, v.Len())
	for i := 0; i < v.Len(); i++ {
		keys[i] = fmt.Sprint(v.Index(i).Interface())
	}
	sort.Strings(keys)
	return keys
}

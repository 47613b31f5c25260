// Package virtualdir implements the virtual-directory engine of spec.md
// §4.6: materialising a file's commit history as a synthetic directory
// listing, addressed by the `<base>@[line?]` name syntax. Grounded on the
// teacher's small single-purpose parser packages (e.g. internal/marshal's
// field-by-field parsing style) generalised to this name grammar.
package virtualdir

import "strings"

// NameSpec is a parsed `<base>@[line?]` virtual-directory trigger name.
type NameSpec struct {
	Base string
	Line int // -1 if no line suffix was given
}

// ParseNameSpec recognises names of the form "<base>@" or "<base>@<line>"
// (spec.md §4.6: "whose name is parsed as <base>@[line?] by the name-spec
// parser"). It returns ok=false for names without a trailing "@" group.
func ParseNameSpec(name string) (NameSpec, bool) {
	idx := strings.LastIndexByte(name, '@')
	if idx <= 0 {
		return NameSpec{}, false
	}
	suffix := name[idx+1:]
	if suffix == "" {
		return NameSpec{Base: name[:idx], Line: -1}, true
	}
	line := 0
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return NameSpec{}, false
		}
		line = line*10 + int(r-'0')
	}
	return NameSpec{Base: name[:idx], Line: line}, true
}

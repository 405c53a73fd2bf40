package download

import (
	"path/filepath"
	"strings"
)

// Filter decides which content types are mirrored.
type Filter struct {
	exts map[string]struct{}
}

// NewFilter accepts files whose extension is in exts (case-insensitive).
// An empty list accepts everything.
func NewFilter(exts []string) *Filter {
	f := &Filter{exts: make(map[string]struct{}, len(exts))}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.exts[e] = struct{}{}
	}
	return f
}

// Accepts reports whether name has an accepted extension.
func (f *Filter) Accepts(name string) bool {
	if f == nil || len(f.exts) == 0 {
		return true
	}
	_, ok := f.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

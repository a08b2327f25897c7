package resolve

import "strings"

// splitComponents breaks path into path components, dropping empty
// segments. Leading slashes are effectively stripped this way —
// absolute-looking paths still resolve inside the root, since a
// leading "/" simply produces (and then discards) a leading empty
// segment, so "/a/b" and "a/b" split identically. "." and ".." are
// preserved; they carry resolution semantics handled during the walk,
// not here.
func splitComponents(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// splitParentLeaf separates path into the components of its parent
// directory and its final component, for operations that resolve the
// parent safely and then apply a single *at syscall to the leaf.
func splitParentLeaf(path string) (parent []string, leaf string, ok bool) {
	components := splitComponents(path)
	if len(components) == 0 {
		return nil, "", false
	}
	return components[:len(components)-1], components[len(components)-1], true
}

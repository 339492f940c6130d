package mailsync

// Include reports whether a message carrying labels should be surfaced. An
// empty watch set includes everything; any overlap with nonWatch excludes the
// message regardless of watch.
func Include(labels, watch, nonWatch []string) bool {
	have := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		have[l] = struct{}{}
	}
	if intersects(have, nonWatch) {
		return false
	}
	return len(watch) == 0 || intersects(have, watch)
}

func intersects(have map[string]struct{}, set []string) bool {
	for _, l := range set {
		if _, ok := have[l]; ok {
			return true
		}
	}
	return false
}

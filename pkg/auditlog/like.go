package auditlog

// MatchLike reports whether s matches the SQL LIKE pattern: % matches any
// run of characters, _ exactly one, and a backslash escapes the next
// character. Matching is case sensitive, as in Postgres.
func MatchLike(pattern, s string) bool {
	p := []rune(pattern)
	r := []rune(s)

	// Greedy match with backtracking to the last %
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(r) {
		if pi < len(p) {
			switch {
			case p[pi] == '%':
				star, mark = pi, si
				pi++
				continue
			case p[pi] == '_':
				pi++
				si++
				continue
			case p[pi] == '\\' && pi+1 < len(p):
				if p[pi+1] == r[si] {
					pi += 2
					si++
					continue
				}
			case p[pi] == r[si]:
				pi++
				si++
				continue
			}
		}
		if star < 0 {
			return false
		}
		mark++
		pi, si = star+1, mark
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

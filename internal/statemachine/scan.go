package statemachine

import "strings"

// cursorResumeKey turns a scan cursor ("0" or "next:<resume>") into the
// key to resume iteration from. "0" resumes from the very first key.
func cursorResumeKey(cursor string) string {
	if cursor == "" || cursor == "0" {
		return ""
	}
	return strings.TrimPrefix(cursor, "next:")
}

// parseScanOpts extracts MATCH/COUNT from the trailing option arguments
// common to SCAN/HSCAN/SSCAN/LHSCAN.
func parseScanOpts(args [][]byte) (pattern string, count int) {
	count = 10
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "MATCH":
			if i+1 < len(args) {
				pattern = string(args[i+1])
				i++
			}
		case "COUNT":
			if i+1 < len(args) {
				if n, ok := parsePositiveInt(args[i+1]); ok {
					count = n
				}
				i++
			}
		}
	}
	return pattern, count
}

func parsePositiveInt(b []byte) (int, bool) {
	n := 0
	if len(b) == 0 {
		return 0, false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// globMatch implements the glob subset spec §4.D requires: '*', '?',
// '[set]', and '\' escape.
func globMatch(pattern, s string) bool {
	return globMatchBytes([]byte(pattern), []byte(s))
}

func globMatchBytes(pattern, s []byte) bool {
	var pi, si int
	var starPi, starSi int = -1, -1

	for si < len(s) {
		if pi < len(pattern) {
			switch pattern[pi] {
			case '*':
				starPi, starSi = pi, si
				pi++
				continue
			case '?':
				pi++
				si++
				continue
			case '\\':
				if pi+1 < len(pattern) && pattern[pi+1] == s[si] {
					pi += 2
					si++
					continue
				}
			case '[':
				end := pi + 1
				negate := end < len(pattern) && pattern[end] == '^'
				if negate {
					end++
				}
				setStart := end
				for end < len(pattern) && pattern[end] != ']' {
					end++
				}
				if end < len(pattern) {
					matched := matchSet(pattern[setStart:end], s[si])
					if matched != negate {
						pi = end + 1
						si++
						continue
					}
				}
			default:
				if pattern[pi] == s[si] {
					pi++
					si++
					continue
				}
			}
		}
		if starPi >= 0 {
			starSi++
			pi = starPi + 1
			si = starSi
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

func matchSet(set []byte, c byte) bool {
	for i := 0; i < len(set); i++ {
		if i+2 < len(set) && set[i+1] == '-' {
			if set[i] <= c && c <= set[i+2] {
				return true
			}
			i += 2
			continue
		}
		if set[i] == c {
			return true
		}
	}
	return false
}

package identity

import (
	"strconv"
	"strings"
)

// DeriveUsername implements the username-derivation rule of spec.md §3:
// lowercase the trimmed display name, drop everything that is not an
// ASCII letter or digit at or below 'z', truncate to 20 chars,
// substitute "user" if that leaves nothing, then append the smallest
// non-negative integer suffix (possibly none) that exists reports as
// free.
//
// exists is called with candidate usernames until one reports false;
// it should check collisions against passwd, group, and /home/* all
// at once (see Store.NameExists).
func DeriveUsername(display string, exists func(candidate string) (bool, error)) (string, error) {
	clean := cleanUsername(display)

	candidate := clean
	suffix := 0
	for {
		collides, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !collides {
			return candidate, nil
		}
		candidate = clean + strconv.Itoa(suffix)
		suffix++
	}
}

func cleanUsername(display string) string {
	simplified := strings.ToLower(strings.TrimSpace(display))

	var b strings.Builder
	for _, r := range simplified {
		if b.Len() >= 20 {
			break
		}
		if isLetterOrDigit(r) && r <= 'z' {
			b.WriteRune(r)
		}
	}

	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

func isLetterOrDigit(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

package pipeline

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// combining maps LaTeX accent commands to Unicode combining marks.
var combining = map[string]string{
	`'`: "\u0301",
	"`": "\u0300",
	`^`: "\u0302",
	`"`: "\u0308",
	`~`: "\u0303",
	`=`: "\u0304",
	`.`: "\u0307",
	`u`: "\u0306",
	`v`: "\u030c",
	`H`: "\u030b",
	`c`: "\u0327",
	`k`: "\u0328",
	`r`: "\u030a",
}

var specials = map[string]string{
	"ss": "ß", "aa": "å", "AA": "Å", "ae": "æ", "AE": "Æ",
	"oe": "œ", "OE": "Œ", "o": "ø", "O": "Ø", "l": "ł", "L": "Ł", "i": "ı",
}

var (
	// \'e  \'{e}  \'\i  \"{\i}
	symbolAccent = regexp.MustCompile("\\\\([`'^\"~=.])\\s*(?:\\{\\\\?([A-Za-z])\\}|\\\\?([A-Za-z]))")
	// \v{s}  \c c
	letterAccent  = regexp.MustCompile(`\\([uvHckr])(?:\{\\?([A-Za-z])\}| ([A-Za-z]))`)
	specialLetter = regexp.MustCompile(`\\(ss|aa|AA|ae|AE|oe|OE|o|O|l|L|i)(?:\{\}| |\b)`)
)

// TranslateLaTeX replaces LaTeX accent markup in author names and
// affiliations with the composed Unicode characters.
func TranslateLaTeX(s string) string {
	if !strings.ContainsAny(s, `\{`) {
		return s
	}
	accent := func(re *regexp.Regexp) func(string) string {
		return func(m string) string {
			sub := re.FindStringSubmatch(m)
			letter := sub[2]
			if letter == "" {
				letter = sub[3]
			}
			return letter + combining[sub[1]]
		}
	}
	s = symbolAccent.ReplaceAllStringFunc(s, accent(symbolAccent))
	s = letterAccent.ReplaceAllStringFunc(s, accent(letterAccent))
	s = specialLetter.ReplaceAllStringFunc(s, func(m string) string {
		return specials[specialLetter.FindStringSubmatch(m)[1]]
	})
	s = strings.NewReplacer("{", "", "}", "").Replace(s)
	return norm.NFC.String(s)
}

package variables

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/theam/plasmido/internal/runtime/ids"
)

const (
	DateToken            = "$p_date"
	TimeToken            = "$p_time"
	TimestampToken       = "$p_timestamp"
	TimestampMillisToken = "$p_timestamp_millis"
	GUIDToken            = "$p_guid"
	WordsToken           = "$p_words"
)

const (
	maxWords      = 3
	maxWordLength = 6
)

// Generator produces the replacement text of a dynamic token.
type Generator func(now time.Time) string

type dynamicVariable struct {
	token     string
	generator Generator
}

var dynamicVariables = []dynamicVariable{
	{DateToken, func(now time.Time) string { return now.Format("Mon Jan 02 2006") }},
	{TimeToken, func(now time.Time) string { return now.Format("15:04:05") }},
	{TimestampToken, func(now time.Time) string { return strconv.FormatInt(now.Unix(), 10) }},
	{TimestampMillisToken, func(now time.Time) string { return strconv.FormatInt(now.UnixMilli(), 10) }},
	{GUIDToken, func(time.Time) string { return ids.NewUUID() }},
	{WordsToken, func(time.Time) string { return RandomWords() }},
}

// now is swapped in tests.
var now = time.Now

// DynamicTokens lists the reserved dynamic tokens.
func DynamicTokens() []string {
	tokens := make([]string, len(dynamicVariables))
	for i, v := range dynamicVariables {
		tokens[i] = v.token
	}
	return tokens
}

// ApplyDynamic replaces dynamic tokens. Each generator runs at most once per
// call, so repeated occurrences of a token within one template share a value.
func ApplyDynamic(template string) string {
	out := template
	at := now()
	for _, v := range dynamicVariables {
		re := pattern(v.token)
		if !re.MatchString(out) {
			continue
		}
		out = re.ReplaceAllLiteralString(out, v.generator(at))
	}
	return out
}

// RandomWords returns between one and three capitalised words separated by
// single spaces.
func RandomWords() string {
	count := gofakeit.IntRange(1, maxWords)
	words := make([]string, 0, count)
	for len(words) < count {
		words = append(words, capitalize(shortWord()))
	}
	return strings.Join(words, " ")
}

func shortWord() string {
	for attempt := 0; attempt < 32; attempt++ {
		w := strings.ToLower(gofakeit.Word())
		if w != "" && utf8.RuneCountInString(w) <= maxWordLength && isLetters(w) {
			return w
		}
	}
	return "plasma"
}

func isLetters(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

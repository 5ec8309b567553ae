// Package variables expands {{ token }} placeholders in payload and header
// templates. Three binding sources exist and are applied in a fixed order by
// Prepare: internal bindings (the per-message index), dynamic generators
// (time, uuid, random words) and user bindings from the active environment.
package variables

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/theam/plasmido/internal/runtime/models"
)

// IndexToken is the only internal token. It carries the zero based message
// index of a producer run.
const IndexToken = "$p_index"

var internalTokens = map[string]struct{}{IndexToken: {}}

// Binding maps a token to its replacement text.
type Binding struct {
	Token string `json:"variable"`
	Value string `json:"value"`
}

var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

// pattern returns the compiled matcher for token. Tokens are matched
// literally with arbitrary whitespace inside the braces.
func pattern(token string) *regexp.Regexp {
	patternMu.RLock()
	re, ok := patternCache[token]
	patternMu.RUnlock()
	if ok {
		return re
	}

	re = regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(token) + `\s*\}\}`)
	patternMu.Lock()
	patternCache[token] = re
	patternMu.Unlock()
	return re
}

func replace(template, token, value string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return template
	}
	return pattern(token).ReplaceAllLiteralString(template, value)
}

// Substitute replaces every occurrence of each binding token, in binding
// order. Unknown tokens are left untouched.
func Substitute(template string, bindings []Binding) string {
	out := template
	for _, b := range bindings {
		out = replace(out, b.Token, b.Value)
	}
	return out
}

// ApplyInternal replaces internal tokens only; bindings for other tokens are
// ignored.
func ApplyInternal(template string, bindings []Binding) string {
	out := template
	for _, b := range bindings {
		if _, ok := internalTokens[strings.TrimSpace(b.Token)]; !ok {
			continue
		}
		out = replace(out, b.Token, b.Value)
	}
	return out
}

// IndexBinding binds IndexToken to index.
func IndexBinding(index int) Binding {
	return Binding{Token: IndexToken, Value: strconv.Itoa(index)}
}

// Prepare runs the internal, dynamic and user passes over template in that
// order.
func Prepare(template string, index int, user []Binding) string {
	out := ApplyInternal(template, []Binding{IndexBinding(index)})
	out = ApplyDynamic(out)
	return Substitute(out, user)
}

// UserBindings exposes the variables of env as $-prefixed tokens. The default
// environment contributes no bindings.
func UserBindings(env *models.Environment) []Binding {
	if env == nil || env.IsDefault {
		return nil
	}
	bindings := make([]Binding, 0, len(env.Variables))
	for _, v := range env.Variables {
		bindings = append(bindings, Binding{Token: "$" + v.Name, Value: v.Value})
	}
	return bindings
}

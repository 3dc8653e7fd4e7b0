package cipher

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

// A signature scramble is a short sequence of three primitive ops.
type sigStep struct {
	op  string // rev, spl, swp
	arg int
}

var (
	sigStepsMu    sync.Mutex
	sigStepsCache = make(map[string][]sigStep)
)

var (
	// Locates the scramble function: takes one param, splits it, joins it.
	// The pattern needs backreferences, which stdlib regexp (RE2) cannot
	// compile, so this one is built with regexp2.
	scrambleFnRe = regexp2.MustCompile(`function(?:\s+[a-zA-Z0-9$_]+)?\s*\(\s*([a-zA-Z0-9$_]+)\s*\)\s*\{\s*\1\s*=\s*\1\.split\(\s*(?:""|\x60\x60)\s*\);([\s\S]*?)return\s+\1\.join\(`, 0)
	// transform object member: name: function(a,b){...}
	memberFnRe = regexp.MustCompile(`([a-zA-Z0-9$_]+)\s*:\s*function\s*\(\s*a\s*(?:,\s*b\s*)?\)\s*\{([^}]*)\}`)
)

func scriptKey(script string) string {
	h := sha1.Sum([]byte(script))
	return hex.EncodeToString(h[:])
}

// applySignatureTransforms deciphers signature without JS execution when
// the scramble sequence can be parsed statically from the player script.
func applySignatureTransforms(script, signature string) (string, bool) {
	key := scriptKey(script)

	sigStepsMu.Lock()
	steps, cached := sigStepsCache[key]
	sigStepsMu.Unlock()

	if !cached {
		steps = parseScramble(script)
		sigStepsMu.Lock()
		sigStepsCache[key] = steps
		sigStepsMu.Unlock()
	}
	if len(steps) == 0 {
		return "", false
	}

	r := []rune(signature)
	for _, st := range steps {
		switch st.op {
		case "rev":
			r = reverseRunes(r)
		case "spl":
			r = spliceRunes(r, st.arg)
		case "swp":
			r = swapRunes(r, st.arg)
		}
	}
	return string(r), true
}

// parseScramble statically recovers the op sequence, or nil when the
// script shape is unrecognized (caller falls back to JS execution).
func parseScramble(script string) []sigStep {
	m, err := scrambleFnRe.FindStringMatch(script)
	if err != nil || m == nil || m.GroupCount() < 3 {
		return nil
	}
	param, body := m.GroupByNumber(1).String(), m.GroupByNumber(2).String()

	// The body is a chain of OBJ.fn(param, n) calls.
	callRe := regexp.MustCompile(`([a-zA-Z0-9$_]+)\.([a-zA-Z0-9$_]+)\(\s*` + regexp.QuoteMeta(param) + `\s*(?:,\s*(\d+))?\)`)
	calls := callRe.FindAllStringSubmatch(body, -1)
	if len(calls) == 0 {
		return nil
	}
	obj := calls[0][1]

	// Map the transform object's member functions to ops.
	objRe := regexp.MustCompile(`(?:var|let|const)?\s*` + regexp.QuoteMeta(obj) + `\s*=\s*\{([\s\S]*?)\}\s*;`)
	om := objRe.FindStringSubmatch(script)
	if len(om) < 2 {
		return nil
	}
	nameToOp := make(map[string]string)
	for _, fm := range memberFnRe.FindAllStringSubmatch(om[1], -1) {
		fbody := fm[2]
		switch {
		case strings.Contains(fbody, ".reverse()"):
			nameToOp[fm[1]] = "rev"
		case strings.Contains(fbody, ".splice("):
			nameToOp[fm[1]] = "spl"
		case strings.Contains(fbody, "a[0]=a[") && strings.Contains(fbody, "%a.length"):
			nameToOp[fm[1]] = "swp"
		}
	}

	var steps []sigStep
	for _, c := range calls {
		op, ok := nameToOp[c[2]]
		if !ok {
			return nil
		}
		arg := 0
		if c[3] != "" {
			if v, err := strconv.Atoi(c[3]); err == nil {
				arg = v
			}
		}
		steps = append(steps, sigStep{op: op, arg: arg})
	}
	return steps
}

func reverseRunes(r []rune) []rune {
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return r
}

func spliceRunes(r []rune, n int) []rune {
	if n < 0 || n > len(r) {
		return r
	}
	return r[n:]
}

func swapRunes(r []rune, n int) []rune {
	if len(r) == 0 {
		return r
	}
	n %= len(r)
	r[0], r[n] = r[n], r[0]
	return r
}

package cipher

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/robertkrimen/otto"

	"github.com/offtube/offtube/errs"
)

const (
	userAgentValue = "Mozilla/5.0"
	ytBase         = "https://www.youtube.com"

	decipherFuncName = "decipher"
	playerJSTTL      = 10 * time.Minute
)

var playerJSURLRegex = regexp.MustCompile(`"jsUrl":"([^"]+)"`)

type scriptEntry struct {
	body  []byte
	expAt time.Time
}

// script cache by URL, shared across sessions.
var (
	scriptCache   = make(map[string]scriptEntry)
	scriptCacheMu sync.Mutex
)

func playerScript(httpClient *http.Client, playerJSURL string) ([]byte, error) {
	scriptCacheMu.Lock()
	entry, ok := scriptCache[playerJSURL]
	if ok && time.Now().Before(entry.expAt) {
		body := entry.body
		scriptCacheMu.Unlock()
		return body, nil
	}
	scriptCacheMu.Unlock()

	req, err := http.NewRequest(http.MethodGet, playerJSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build player.js request: %w", err)
	}
	req.Header.Set("User-Agent", userAgentValue)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download player.js: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read player.js: %w", err)
	}

	scriptCacheMu.Lock()
	scriptCache[playerJSURL] = scriptEntry{body: body, expAt: time.Now().Add(playerJSTTL)}
	scriptCacheMu.Unlock()
	return body, nil
}

// FetchPlayerJS scrapes the player script URL from a watch page.
func FetchPlayerJS(httpClient *http.Client, videoURL string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, videoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgentValue)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	m := playerJSURLRegex.FindSubmatch(body)
	if len(m) < 2 || len(m[1]) == 0 {
		return "", fmt.Errorf("player js url not found in watch page: %w", errs.ErrCipherFailed)
	}
	return ytBase + strings.ReplaceAll(string(m[1]), `\/`, `/`), nil
}

// Decipher unscrambles a format signature. The regex fast path handles
// the common reverse/splice/swap sequences without JS execution; when
// the script cannot be parsed statically, the exposed decipher function
// is run under otto.
func Decipher(httpClient *http.Client, playerJSURL, signature string) (string, error) {
	script, err := playerScript(httpClient, playerJSURL)
	if err != nil {
		return "", err
	}

	if out, ok := applySignatureTransforms(string(script), signature); ok {
		return out, nil
	}

	vm := otto.New()
	if _, err := vm.Run(string(script)); err != nil {
		return "", fmt.Errorf("run player.js in otto: %v: %w", err, errs.ErrCipherFailed)
	}
	value, err := vm.Call(decipherFuncName, nil, signature)
	if err != nil {
		return "", fmt.Errorf("call decipher: %v: %w", err, errs.ErrCipherFailed)
	}
	result, err := value.ToString()
	if err != nil {
		return "", fmt.Errorf("decipher result not a string: %v: %w", err, errs.ErrCipherFailed)
	}
	return result, nil
}

// nFuncNameRes locate the n-transform function name at its call site,
// e.g. `a.get("n"))&&(b=XyZ[0](b)` or a direct `b=XyZ(b)` assignment.
var nFuncNameRes = []*regexp.Regexp{
	regexp.MustCompile(`\.get\("n"\)\)&&\(b=([a-zA-Z0-9$_]+)(?:\[(\d+)\])?\(b\)`),
	regexp.MustCompile(`\bc=([a-zA-Z0-9$_]+)\[(\d+)\]\(c\)`),
}

// TransformN decodes the throttling "n" parameter. The transform
// function in current player scripts uses syntax otto cannot parse, so
// it is extracted and executed under goja. If no transform is found the
// value is returned unchanged.
func TransformN(httpClient *http.Client, playerJSURL, nval string) (string, error) {
	script, err := playerScript(httpClient, playerJSURL)
	if err != nil {
		return "", err
	}

	fnSource, ok := extractNFunction(string(script))
	if !ok {
		return nval, nil
	}

	vm := goja.New()
	if _, err := vm.RunString("var transformN = " + fnSource + ";"); err != nil {
		return "", fmt.Errorf("compile n transform in goja: %v: %w", err, errs.ErrCipherFailed)
	}
	var transformN func(string) string
	if err := vm.ExportTo(vm.Get("transformN"), &transformN); err != nil {
		return "", fmt.Errorf("export n transform: %v: %w", err, errs.ErrCipherFailed)
	}

	out := transformN(nval)
	// The transform signals failure by returning its own source prefix.
	if out == "" || strings.HasPrefix(out, "enhanced_except") {
		return "", fmt.Errorf("n transform rejected input: %w", errs.ErrCipherFailed)
	}
	return out, nil
}

// extractNFunction finds the n-transform function body in the player
// script and returns it as a standalone function expression.
func extractNFunction(script string) (string, bool) {
	var name string
	for _, re := range nFuncNameRes {
		if m := re.FindStringSubmatch(script); len(m) >= 2 {
			name = m[1]
			// An index means the call site goes through a lookup table.
			if len(m) >= 3 && m[2] != "" {
				tableRe := regexp.MustCompile(`var ` + regexp.QuoteMeta(name) + `\s*=\s*\[([a-zA-Z0-9$_]+)\]`)
				if tm := tableRe.FindStringSubmatch(script); len(tm) == 2 {
					name = tm[1]
				}
			}
			break
		}
	}
	if name == "" {
		return "", false
	}

	declRe := regexp.MustCompile(regexp.QuoteMeta(name) + `\s*=\s*function\s*\(([a-zA-Z0-9$_,\s]*)\)\s*\{`)
	loc := declRe.FindStringIndex(script)
	if loc == nil {
		return "", false
	}
	body, ok := balanceBraces(script[loc[0]:])
	if !ok {
		return "", false
	}
	// Strip the "name=" prefix, keep the function expression.
	if i := strings.Index(body, "function"); i >= 0 {
		return body[i:], true
	}
	return "", false
}

// balanceBraces returns the prefix of s up to and including the brace
// that closes the first '{'.
func balanceBraces(s string) (string, bool) {
	depth := 0
	started := false
	for i, r := range s {
		switch r {
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

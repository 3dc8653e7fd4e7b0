// Package fetch opens streaming reads on resolved encoding URLs.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/offtube/offtube/client"
	"github.com/offtube/offtube/errs"
	"github.com/offtube/offtube/types"
	"github.com/offtube/offtube/youtube/cipher"
)

// Fetcher performs streaming GETs against media hosts. Requests are
// never retried here; a failed stream is surfaced to the session.
type Fetcher struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Fetcher{httpClient: httpClient}
}

// Open resolves the encoding's final URL, deciphering when the catalog
// entry carries a signatureCipher instead of a direct URL, and starts a
// streaming download. The returned size is the encoding's contentLength
// unless the host reports a better value.
func (f *Fetcher) Open(ctx context.Context, info *types.VideoInfo, enc *types.Encoding) (io.ReadCloser, int64, error) {
	streamURL, err := f.resolveURL(info, enc)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("User-Agent", client.UserAgent())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, &errs.StatusError{Code: resp.StatusCode, URL: streamURL}
	}

	size := enc.ContentLength
	if resp.ContentLength > 0 {
		size = resp.ContentLength
	}
	return resp.Body, size, nil
}

// resolveURL builds the downloadable URL for the encoding. Direct URLs
// only get the n-parameter transform; ciphered ones are deciphered
// against the video's player.js first.
func (f *Fetcher) resolveURL(info *types.VideoInfo, enc *types.Encoding) (string, error) {
	if strings.TrimSpace(enc.URL) != "" {
		u, err := url.Parse(enc.URL)
		if err != nil {
			return "", fmt.Errorf("parse direct url: %w", err)
		}
		return f.finishURL(u, info.PlayerJS), nil
	}

	if strings.TrimSpace(enc.SignatureCipher) == "" {
		return "", fmt.Errorf("encoding %d has no url or signatureCipher: %w", enc.Itag, errs.ErrCipherFailed)
	}
	parsed, err := url.ParseQuery(enc.SignatureCipher)
	if err != nil {
		return "", fmt.Errorf("parse signatureCipher: %w", err)
	}
	sig := parsed.Get("s")
	sp := parsed.Get("sp")
	if sp == "" {
		sp = "signature"
	}
	cipherURL := parsed.Get("url")
	if cipherURL == "" || sig == "" {
		return "", fmt.Errorf("signatureCipher for %d missing fields: %w", enc.Itag, errs.ErrCipherFailed)
	}

	playerJS := info.PlayerJS
	if playerJS == "" {
		// Catalog snapshots from older caches may predate script
		// scraping; recover the script URL from the watch page.
		playerJS, err = cipher.FetchPlayerJS(f.httpClient, info.VideoURL)
		if err != nil {
			return "", fmt.Errorf("locate player script: %w", errs.ErrCipherFailed)
		}
	}

	deciphered, err := cipher.Decipher(f.httpClient, playerJS, sig)
	if err != nil {
		return "", fmt.Errorf("decipher signature for %d: %w", enc.Itag, errs.ErrCipherFailed)
	}
	u, err := url.Parse(cipherURL)
	if err != nil {
		return "", fmt.Errorf("parse cipher url: %w", err)
	}
	q := u.Query()
	q.Set(sp, deciphered)
	u.RawQuery = q.Encode()
	return f.finishURL(u, playerJS), nil
}

// finishURL applies the n-parameter transform when the query carries one
// and makes sure ratebypass is on. A failed n transform leaves the value
// untouched; most hosts then throttle rather than reject.
func (f *Fetcher) finishURL(u *url.URL, playerJS string) string {
	q := u.Query()
	if nval := q.Get("n"); nval != "" && playerJS != "" {
		if nout, err := cipher.TransformN(f.httpClient, playerJS, nval); err == nil && nout != "" {
			q.Set("n", nout)
		}
	}
	if q.Get("ratebypass") == "" {
		q.Set("ratebypass", "yes")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

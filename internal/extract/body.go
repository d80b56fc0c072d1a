package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

var (
	utf8BOM      = []byte{0xEF, 0xBB, 0xBF}
	xssiPrefixes = [][]byte{
		[]byte(")]}'"),
		[]byte("while(1);"),
		[]byte("for(;;);"),
		[]byte("throw 1;"),
	}
)

// StripPrefixes removes a UTF-8 BOM and any anti-XSSI guard from body.
func StripPrefixes(body []byte) []byte {
	out := bytes.TrimPrefix(body, utf8BOM)
	trimmed := bytes.TrimLeft(out, " \t\r\n")
	for _, prefix := range xssiPrefixes {
		if bytes.HasPrefix(trimmed, prefix) {
			rest := trimmed[len(prefix):]
			rest = bytes.TrimPrefix(rest, []byte(","))
			return bytes.TrimLeft(rest, " \t\r\n")
		}
	}
	return out
}

// DecodeJSON decodes a response body into generic JSON values. Numbers are
// kept as json.Number so ids survive byte-identical.
func DecodeJSON(body []byte) (any, error) {
	clean := bytes.TrimSpace(StripPrefixes(body))
	if len(clean) == 0 {
		return nil, fmt.Errorf("%w: empty body", harvest.ErrMalformedResponse)
	}
	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", harvest.ErrMalformedResponse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", harvest.ErrMalformedResponse)
	}
	return doc, nil
}

// LooksLikeJSON reports whether the response declares or starts like JSON.
func LooksLikeJSON(resp harvest.Response) bool {
	ct := strings.ToLower(resp.Header("Content-Type"))
	if strings.Contains(ct, "json") {
		return true
	}
	clean := bytes.TrimSpace(StripPrefixes(resp.Body))
	return len(clean) > 0 && (clean[0] == '{' || clean[0] == '[')
}

// decodeHTML converts a non UTF-8 HTML body using the declared or sniffed
// charset.
func decodeHTML(resp harvest.Response) io.Reader {
	body := bytes.TrimPrefix(resp.Body, utf8BOM)
	r, err := charset.NewReader(bytes.NewReader(body), resp.Header("Content-Type"))
	if err != nil {
		return bytes.NewReader(body)
	}
	return r
}

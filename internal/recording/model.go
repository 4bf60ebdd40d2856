// Package recording captures real backend interactions and replays them.
//
// Interactions are grouped per URL path into a Recording. A Recording is
// loaded lazily from its persister the first time a path is seen and served
// from memory afterwards.
package recording

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

// FormatVersion is written to every recording file.
const FormatVersion = 1

// HashRequest identifies a request by method, path and raw body. Headers and
// the query string are deliberately excluded so auth and api-version
// variations replay the same interaction.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Request is the captured request, kept for human inspection and to rebuild
// the hash on load.
type Request struct {
	Method string
	URI    string
	Header http.Header
	Body   []byte
	// ContentType decides how Body is serialized.
	ContentType string
}

// Response is one captured interaction.
type Response struct {
	Hash          string
	StatusCode    int
	Header        http.Header
	Body          []byte
	DurationMs    int64
	ContextValues map[string]any
	Request       Request
}

// Recording maps request hashes to captured responses for one path.
type Recording map[string]*Response

// Interactions returns the number of captured interactions.
func (r Recording) Interactions() int {
	return len(r)
}

// file is the on-disk shape shared by the YAML and JSON persisters.
type file struct {
	Interactions []interaction `yaml:"interactions" json:"interactions"`
	Version      int           `yaml:"version" json:"version"`
}

type interaction struct {
	Request       requestRecord  `yaml:"request" json:"request"`
	Response      responseRecord `yaml:"response" json:"response"`
	ContextValues map[string]any `yaml:"context_values" json:"context_values"`
}

type requestRecord struct {
	Method  string              `yaml:"method" json:"method"`
	URI     string              `yaml:"uri" json:"uri"`
	Headers map[string][]string `yaml:"headers" json:"headers"`
	Body    body                `yaml:"body" json:"body"`
}

type responseRecord struct {
	Status     status              `yaml:"status" json:"status"`
	Headers    map[string][]string `yaml:"headers" json:"headers"`
	Body       body                `yaml:"body" json:"body"`
	DurationMs int64               `yaml:"duration_ms" json:"duration_ms"`
}

type status struct {
	Code int `yaml:"code" json:"code"`
}

// body holds text payloads as-is and anything else base64 encoded.
type body struct {
	String string `yaml:"string,omitempty" json:"string,omitempty"`
	Base64 string `yaml:"base64_string,omitempty" json:"base64_string,omitempty"`
}

var textContentTypes = map[string]bool{
	"application/json": true,
	"application/text": true,
}

// IsText reports whether a content type is stored as a readable string.
func IsText(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)
	return textContentTypes[mediaType] || strings.HasPrefix(mediaType, "text/")
}

func encodeBody(data []byte, contentType string) body {
	if len(data) == 0 {
		return body{}
	}
	if IsText(contentType) && utf8.Valid(data) {
		return body{String: string(data)}
	}
	return body{Base64: base64.StdEncoding.EncodeToString(data)}
}

func (b body) bytes() ([]byte, error) {
	if b.Base64 != "" {
		data, err := base64.StdEncoding.DecodeString(b.Base64)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		return data, nil
	}
	if b.String == "" {
		return nil, nil
	}
	return []byte(b.String), nil
}

func toInteraction(r *Response) interaction {
	return interaction{
		Request: requestRecord{
			Method:  r.Request.Method,
			URI:     r.Request.URI,
			Headers: r.Request.Header,
			Body:    encodeBody(r.Request.Body, r.Request.ContentType),
		},
		Response: responseRecord{
			Status:     status{Code: r.StatusCode},
			Headers:    r.Header,
			Body:       encodeBody(r.Body, r.Header.Get("Content-Type")),
			DurationMs: r.DurationMs,
		},
		ContextValues: r.ContextValues,
	}
}

func fromInteraction(in interaction) (*Response, error) {
	reqBody, err := in.Request.Body.bytes()
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", in.Request.Method, in.Request.URI, err)
	}
	respBody, err := in.Response.Body.bytes()
	if err != nil {
		return nil, fmt.Errorf("response for %s %s: %w", in.Request.Method, in.Request.URI, err)
	}
	path, err := uriPath(in.Request.URI)
	if err != nil {
		return nil, err
	}

	header := toHeader(in.Response.Headers)
	reqHeader := toHeader(in.Request.Headers)
	values := in.ContextValues
	if values == nil {
		values = map[string]any{}
	}

	return &Response{
		Hash:          HashRequest(in.Request.Method, path, reqBody),
		StatusCode:    in.Response.Status.Code,
		Header:        header,
		Body:          respBody,
		DurationMs:    in.Response.DurationMs,
		ContextValues: values,
		Request: Request{
			Method:      in.Request.Method,
			URI:         in.Request.URI,
			Header:      reqHeader,
			Body:        reqBody,
			ContentType: reqHeader.Get("Content-Type"),
		},
	}, nil
}

func toHeader(m map[string][]string) http.Header {
	h := make(http.Header, len(m))
	for k, values := range m {
		for _, v := range values {
			h.Add(k, v)
		}
	}
	return h
}

func uriPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse recorded uri %q: %w", uri, err)
	}
	return u.Path, nil
}

func toFile(rec Recording) file {
	out := file{Version: FormatVersion, Interactions: make([]interaction, 0, len(rec))}
	for _, hash := range sortedHashes(rec) {
		out.Interactions = append(out.Interactions, toInteraction(rec[hash]))
	}
	return out
}

func fromFile(f file) (Recording, error) {
	rec := make(Recording, len(f.Interactions))
	for _, in := range f.Interactions {
		r, err := fromInteraction(in)
		if err != nil {
			return nil, err
		}
		rec[r.Hash] = r
	}
	return rec, nil
}

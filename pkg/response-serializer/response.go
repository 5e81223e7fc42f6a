package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

var ErrCorruptPayload = errors.New("serializer: corrupt payload")

// hop-by-hop and framing headers that must not be replayed from the store
var excludedHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Trailer",
	"Upgrade",
}

// ResponseToBytes returns the HTTP/1.1 representation of the response.
func ResponseToBytes(res facts.ResponseFacts) ([]byte, error) {
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, name := range excludedHeaders {
		header.Del(name)
	}
	header.Del("Content-Length")

	httpRes := &http.Response{
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
	}
	buf := &bytes.Buffer{}
	if err := httpRes.Write(buf); err != nil {
		return nil, fmt.Errorf("serializer: write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse reconstructs a response from its HTTP/1.1 representation.
// Any parse failure or truncated body yields ErrCorruptPayload.
func BytesToResponse(b []byte) (facts.ResponseFacts, error) {
	httpRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return facts.ResponseFacts{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	defer httpRes.Body.Close()
	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return facts.ResponseFacts{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return facts.ResponseFacts{
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header,
		Body:       body,
	}, nil
}

package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// httpDoer issues rate-limited requests.
type httpDoer struct {
	client  *http.Client  // client never follows redirects
	limiter *rate.Limiter // limiter bounds the request rate
}

func newHTTPDoer(rps float64, burst int) *httpDoer {
	return &httpDoer{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// do sends one request after waiting for the limiter.
func (h *httpDoer) do(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, url, err)
	}

	return resp, nil
}

// getJSON performs a GET request and decodes the JSON response.
func (h *httpDoer) getJSON(ctx context.Context, url string, result any) error {
	resp, err := h.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GET %s: %w", url, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// getText performs a GET request and returns the trimmed body.
func (h *httpDoer) getText(ctx context.Context, url string) (string, error) {
	resp, err := h.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s:\n%w", url, err)
	}

	return strings.TrimSpace(string(body)), nil
}

// postJSON performs a POST request with a JSON body. 208 means the
// receiver already has it.
func (h *httpDoer) postJSON(ctx context.Context, url string, body any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	resp, err := h.do(ctx, http.MethodPost, url, "application/json", bytes.NewReader(jsonBytes))
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusAlreadyReported:
		return nil
	}

	return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
}

// upload posts the transaction header then every chunk of data to base.
func (h *httpDoer) upload(ctx context.Context, base string, tx *Transaction, data io.Reader) error {
	if err := h.postJSON(ctx, base+"/tx", tx); err != nil {
		return fmt.Errorf("post header:\n%w", err)
	}

	buf := make([]byte, ChunkSize)
	var offset uint64

	for {
		n, err := io.ReadFull(data, buf)
		if n > 0 {
			chunk := chunkPayload{
				DataRoot: tx.DataRoot,
				DataSize: tx.DataSize,
				Offset:   strconv.FormatUint(offset, 10),
				Chunk:    base64.RawURLEncoding.EncodeToString(buf[:n]),
			}

			if err := h.postJSON(ctx, base+"/chunk", chunk); err != nil {
				return fmt.Errorf("post chunk at %d:\n%w", offset, err)
			}

			offset += uint64(n)
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read data:\n%w", err)
		}
	}

	if size := strconv.FormatUint(offset, 10); size != tx.DataSize {
		return fmt.Errorf("uploaded %s bytes, transaction declares %s", size, tx.DataSize)
	}

	return nil
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// decimal is a JSON number that peers may encode as a string.
type decimal uint64

func (d *decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid decimal %s:\n%w", data, err)
	}

	*d = decimal(v)

	return nil
}

package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// Response is a decoded JSON response alongside its raw status code, so
// callers can assert both without a second round trip.
type Response struct {
	StatusCode int
	Body       map[string]any
}

// TestClient is a thin JSON HTTP client bound to one TestServer's base URL.
type TestClient struct {
	baseURL string
	http    *http.Client
}

// NewTestClient builds a TestClient against baseURL.
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{baseURL: baseURL, http: &http.Client{}}
}

// Get issues a GET request against path and decodes the JSON body.
func (c *TestClient) Get(path string) (*Response, error) {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

// Post issues a POST request with body JSON-encoded, and decodes the
// JSON response body.
func (c *TestClient) Post(path string, body any) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

// UploadFile is one file attached to an UploadFiles call.
type UploadFile struct {
	Name string
	Data []byte
}

// UploadFiles posts a multipart/form-data request to /api/upload with
// every file attached under the "file" field, mirroring a multi-file
// recording-plus-companions upload in one request.
func (c *TestClient) UploadFiles(files ...UploadFile) (*Response, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := writer.CreateFormFile("file", f.Name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

// GetRaw issues a GET request and returns the raw body bytes and status,
// for endpoints (NWB/report downloads) that are not JSON.
func (c *TestClient) GetRaw(path string) (int, []byte, error) {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func decodeResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{StatusCode: resp.StatusCode}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out.Body); err != nil {
		return nil, fmt.Errorf("testutil: decode response body %q: %w", data, err)
	}
	return out, nil
}

// Package transport implements the minimal HTTP/1.1 client the Slack Web
// API needs: pooled keep-alive connections, form and multipart encoded
// POSTs, chunked transfer decoding and gzip decompression.
package transport

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/coredhcp/coredhcp/logger"
	"github.com/google/uuid"
)

var log = logger.GetLogger("transport")

// Error is returned when a request failed on both the original connection
// and the one reconnect attempt.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Field is one value of a POST field map. Exactly one of Value and Reader
// must be set; a Reader marks the field as a file and switches the whole
// request to multipart encoding.
type Field struct {
	Value    string
	Reader   io.Reader
	Filename string
}

// Response is a decoded HTTP response. Header names are lowercased; the
// body is already de-chunked and decompressed.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// JSON decodes the response body.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client POSTs to a single base URL over a pool of keep-alive connections,
// one per pool key. A key is meant to identify a long-running task, so that
// concurrent tasks never share a connection.
type Client struct {
	hostname string
	port     string
	useTLS   bool
	basePath string

	mu    sync.Mutex
	conns map[string]*conn
}

// conn serializes request/response exchanges, so concurrent callers that
// share a pool key take turns instead of interleaving on the wire.
type conn struct {
	net.Conn
	r  *bufio.Reader
	mu sync.Mutex
}

// New creates a Client for the given base URL, e.g.
// "https://slack.com/api/".
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		hostname: u.Hostname(),
		basePath: u.Path,
		conns:    make(map[string]*conn),
	}
	switch u.Scheme {
	case "https":
		c.useTLS = true
		c.port = "443"
	case "http":
		c.port = "80"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		c.port = p
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	addr := net.JoinHostPort(c.hostname, c.port)
	var (
		nc  net.Conn
		err error
	)
	if c.useTLS {
		d := tls.Dialer{Config: &tls.Config{ServerName: c.hostname}}
		nc, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &conn{Conn: nc, r: bufio.NewReader(nc)}, nil
}

func (c *Client) get(ctx context.Context, key string) (*conn, error) {
	c.mu.Lock()
	cn := c.conns[key]
	c.mu.Unlock()
	if cn != nil {
		return cn, nil
	}
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conns[key] = cn
	c.mu.Unlock()
	return cn, nil
}

func (c *Client) drop(key string) {
	c.mu.Lock()
	cn := c.conns[key]
	delete(c.conns, key)
	c.mu.Unlock()
	if cn != nil {
		cn.Close()
	}
}

// Close closes every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cn := range c.conns {
		cn.Close()
		delete(c.conns, k)
	}
}

// retryable tells whether an error looks like a dead keep-alive connection
// that a fresh one may fix.
func retryable(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// encodeFields renders the field map as either a urlencoded form or, if any
// field carries a Reader, a multipart form with a random UUID boundary.
// It returns the body and the Content-Type.
func encodeFields(fields map[string]Field) ([]byte, string, error) {
	hasFile := false
	for _, f := range fields {
		if f.Reader != nil {
			hasFile = true
			break
		}
	}
	if !hasFile {
		form := url.Values{}
		for k, f := range fields {
			form.Set(k, f.Value)
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(uuid.New().String()); err != nil {
		return nil, "", err
	}
	for k, f := range fields {
		if f.Reader == nil {
			if err := w.WriteField(k, f.Value); err != nil {
				return nil, "", err
			}
			continue
		}
		fw, err := w.CreateFormFile(k, f.Filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(fw, f.Reader); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Post sends a POST request on the keep-alive connection identified by key.
// A request that fails with a broken-pipe, reset or unexpected EOF is
// retried once, silently, on a fresh connection.
func (c *Client) Post(ctx context.Context, key, path string, headers map[string]string, fields map[string]Field) (*Response, error) {
	body, contentType, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, key, path, headers, contentType, body)
	if err == nil {
		return resp, nil
	}
	if !retryable(err) {
		return nil, err
	}
	log.Debugf("Retrying POST %s on a fresh connection: %v", path, err)
	c.drop(key)
	resp, err = c.post(ctx, key, path, headers, contentType, body)
	if err != nil {
		c.drop(key)
		return nil, &Error{Err: err}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, key, path string, headers map[string]string, contentType string, body []byte) (*Response, error) {
	cn, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()

	var req strings.Builder
	fmt.Fprintf(&req, "POST %s HTTP/1.1\r\n", c.basePath+path)
	fmt.Fprintf(&req, "Host: %s\r\n", c.hostname)
	req.WriteString("Accept-Encoding: gzip\r\n")
	for k, v := range headers {
		fmt.Fprintf(&req, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&req, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&req, "Content-Length: %d\r\n", len(body))
	req.WriteString("\r\n")

	if deadline, ok := ctx.Deadline(); ok {
		cn.SetDeadline(deadline)
	}
	if _, err := cn.Write([]byte(req.String())); err != nil {
		c.drop(key)
		return nil, err
	}
	if _, err := cn.Write(body); err != nil {
		c.drop(key)
		return nil, err
	}

	resp, err := readResponse(cn.r)
	if err != nil {
		c.drop(key)
		return nil, err
	}
	if strings.EqualFold(resp.Headers["connection"], "close") {
		c.drop(key)
	}
	return resp, nil
}

func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return nil, fmt.Errorf("malformed status line %q", strings.TrimSpace(line))
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}

	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	var body []byte
	switch {
	case headers["transfer-encoding"] == "chunked":
		body, err = readChunked(r)
		if err != nil {
			return nil, err
		}
	case headers["content-length"] != "":
		size, err := strconv.Atoi(headers["content-length"])
		if err != nil {
			return nil, fmt.Errorf("malformed content-length %q", headers["content-length"])
		}
		body = make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("response carries neither content-length nor chunked encoding")
	}

	if headers["content-encoding"] == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
	}
	return &Response{Status: status, Headers: headers, Body: body}, nil
}

func readChunked(r *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(line, "\r\n") {
			return nil, fmt.Errorf("unexpected end of chunked data")
		}
		size, err := strconv.ParseInt(strings.TrimRight(line, "\r\n"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed chunk size %q", strings.TrimSpace(line))
		}
		chunk := make([]byte, size+2)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		if size == 0 {
			return body, nil
		}
		body = append(body, chunk[:size]...)
	}
}

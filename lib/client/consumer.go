package client

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
)

// Consumer turns a response into a value. Consume may read resp.Body as far
// as it needs; the dispatcher drains and closes the rest. A Consume error
// fails the request and discards the connection.
type Consumer[T any] interface {
	Consume(resp *http.Response) (T, error)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc[T any] func(resp *http.Response) (T, error)

// Consume calls f(resp).
func (f ConsumerFunc[T]) Consume(resp *http.Response) (T, error) { return f(resp) }

// StatusResponse holds a response status and its body decoded as text.
type StatusResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Content    string
}

// StatusConsumer reads the status and the whole body as a UTF-8 string.
func StatusConsumer() Consumer[*StatusResponse] {
	return ConsumerFunc[*StatusResponse](func(resp *http.Response) (*StatusResponse, error) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &StatusResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header,
			Content:    string(body),
		}, nil
	})
}

// Response is a fully buffered response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// BytesConsumer buffers the whole response.
func BytesConsumer() Consumer[*Response] {
	return ConsumerFunc[*Response](func(resp *http.Response) (*Response, error) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header,
			Body:       body,
		}, nil
	})
}

// StreamConsumer copies the body to w and returns the number of bytes copied.
func StreamConsumer(w io.Writer) Consumer[int64] {
	return ConsumerFunc[int64](func(resp *http.Response) (int64, error) {
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return n, fmt.Errorf("stream body: %w", err)
		}
		return n, nil
	})
}

// StatusError reports a non-2xx response to a consumer that requires success.
type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// maxErrorBody bounds the body kept on a StatusError.
const maxErrorBody = 4 << 10

// JSONConsumer decodes a 2xx JSON body into T. Other statuses fail with a
// *StatusError.
func JSONConsumer[T any]() Consumer[T] {
	return ConsumerFunc[T](func(resp *http.Response) (T, error) {
		var v T
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return v, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
		}
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return v, fmt.Errorf("decode json: %w", err)
		}
		return v, nil
	})
}

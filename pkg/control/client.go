package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"edbridge/pkg/toolcall"
)

// Response is a tool result as read by a client. StructuredContent is kept
// raw so callers can decode it into the type they expect.
type Response struct {
	IsError           bool               `json:"isError,omitempty"`
	Content           []toolcall.Content `json:"content"`
	StructuredContent json.RawMessage    `json:"structuredContent,omitempty"`
}

// Decode unmarshals the structured content into v.
func (r Response) Decode(v any) error {
	if len(r.StructuredContent) == 0 {
		return errors.New("response has no structured content")
	}
	if err := json.Unmarshal(r.StructuredContent, v); err != nil {
		return fmt.Errorf("decode structured content: %w", err)
	}
	return nil
}

// Text joins the response's text blocks.
func (r Response) Text() string {
	var out string
	for i, c := range r.Content {
		if i > 0 {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// Call sends one request to the control socket at socketPath and waits for
// its response. A tool error is returned in the Response, not as an error.
func Call(ctx context.Context, socketPath, tool string, args json.RawMessage) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("connect to host: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	data, err := json.Marshal(Request{Tool: tool, Arguments: args})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	if !scanner.Scan() {
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("read response: %w", ctx.Err())
		}
		if err := scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		return Response{}, errors.New("no response received")
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp, nil
}

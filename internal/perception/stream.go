package perception

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Collect drains a fragment stream into a single string. It returns the first
// error sent on errs, or ctx.Err() if ctx ends first.
func Collect(ctx context.Context, content <-chan string, errs <-chan error) (string, error) {
	var sb strings.Builder
	for content != nil || errs != nil {
		select {
		case s, ok := <-content:
			if !ok {
				content = nil
				continue
			}
			sb.WriteString(s)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return sb.String(), err
			}
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		}
	}
	return sb.String(), nil
}

// sseHandler decodes one "data:" payload. It returns the text to emit, whether
// the stream is finished, and any provider error carried in the event.
type sseHandler func(data string) (text string, done bool, err error)

// readSSE scans server-sent events from body, emitting decoded text on out.
// Cancelling ctx closes body to unblock the scanner.
func readSSE(ctx context.Context, body io.ReadCloser, out chan<- string, handle sseHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	scanDone := make(chan struct{})
	scanErr := make(chan error, 1)

	go func() {
		defer close(scanDone)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			text, done, err := handle(data)
			if err != nil {
				scanErr <- err
				return
			}
			if text != "" {
				select {
				case out <- text:
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			scanErr <- err
		}
	}()

	select {
	case <-scanDone:
		select {
		case err := <-scanErr:
			return fmt.Errorf("stream error: %w", err)
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		body.Close()
		<-scanDone
		return ctx.Err()
	}
}

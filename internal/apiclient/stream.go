package apiclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"go.uber.org/zap"
)

const changeBuffer = 64

var errStreamNotReady = errors.New("apiclient: change stream ended before ready")

type streamEvent struct {
	name string
	data string
}

// streamReader splits a text/event-stream body into events.
type streamReader struct {
	scanner *bufio.Scanner
}

func newStreamReader(body io.Reader) *streamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &streamReader{scanner: scanner}
}

// next returns the next complete event. Comment lines and unknown fields are skipped.
func (r *streamReader) next() (streamEvent, error) {
	var event streamEvent
	var data []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if event.name == "" && len(data) == 0 {
				continue
			}
			event.data = strings.Join(data, "\n")
			return event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return streamEvent{}, err
	}
	return streamEvent{}, io.EOF
}

// SubscribeChanges opens the group's machine change stream and returns once the
// server reports it live. The channel closes when ctx ends or the stream drops.
func (c *Client) SubscribeChanges(ctx context.Context, groupID string) (<-chan realtime.ChangeEvent, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		c.endpoint("/groups/"+url.PathEscape(groupID)+"/changes", url.Values{"table": {realtime.TableGroupMachines}}), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.stream.Do(request)
	if err != nil {
		cancel()
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		defer cancel()
		defer response.Body.Close()
		return nil, decodeAPIError(response)
	}

	reader := newStreamReader(response.Body)
	for {
		event, err := reader.next()
		if err != nil {
			response.Body.Close()
			cancel()
			if errors.Is(err, io.EOF) {
				return nil, errStreamNotReady
			}
			return nil, fmt.Errorf("apiclient: read change stream: %w", err)
		}
		if event.name == realtime.StreamEventReady {
			break
		}
	}

	events := make(chan realtime.ChangeEvent, changeBuffer)
	logger := c.logger.With(zap.String("group_id", groupID))
	go func() {
		defer close(events)
		defer cancel()
		defer response.Body.Close()
		for {
			event, err := reader.next()
			if err != nil {
				if streamCtx.Err() == nil {
					logger.Warn("change stream ended", zap.Error(err))
				}
				return
			}
			if event.name != realtime.StreamEventChange {
				continue
			}
			var change realtime.ChangeEvent
			if err := json.Unmarshal([]byte(event.data), &change); err != nil {
				logger.Debug("skipped malformed change event", zap.Error(err))
				continue
			}
			select {
			case events <- change:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return events, nil
}

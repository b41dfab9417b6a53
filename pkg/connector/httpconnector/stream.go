package httpconnector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// maxEventSize bounds a single server-sent event line.
const maxEventSize = 1 << 20

// Stream opens the server-sent events stream and relays every notification to
// updater until the connection drops or ctx is cancelled.
func (c *Connector) Stream(ctx context.Context, updater connector.Updater) error {
	s, err := c.currentSession()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	endpoint := fmt.Sprintf("%s/stream?cluster=%s", c.cfg.ConfigURL, url.QueryEscape(s.Cluster))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("API-Key", c.cfg.SDKKey)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("open stream: %v: %w", err, connector.ErrTransient)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, s.Token); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	updater.OnConnected()
	err = c.readEvents(resp.Body, updater)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses the event stream: "data:" lines accumulate until a blank
// line ends the event. Comments, ids and event names are ignored.
func (c *Connector) readEvents(body io.Reader, updater connector.Updater) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.deliver(data.String(), updater)
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream read: %v: %w", err, connector.ErrTransient)
	}
	return fmt.Errorf("stream closed by remote: %w", connector.ErrTransient)
}

func (c *Connector) deliver(payload string, updater connector.Updater) {
	var msg model.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		c.logger.Warn("ignoring malformed stream event", slog.String("error", err.Error()))
		return
	}
	if msg.Identifier == "" {
		c.logger.Warn("ignoring stream event without identifier", slog.String("domain", string(msg.Domain)))
		return
	}
	updater.Update(msg)
}

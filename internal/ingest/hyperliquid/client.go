package hyperliquid

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"github.com/unendless314/hl-follower/internal/errors"
	ws "github.com/unendless314/hl-follower/pkg/websocket"
)

// Client talks to Hyperliquid's info REST endpoint and (optionally) its
// websocket feed to produce RawPositionEvents for the configured wallet.
type Client struct {
	cfg    Config
	http   *http.Client
	stream *streamSession
}

// NewClient builds a client bound to cfg. The websocket stream is not
// dialed until StartStream is called.
func NewClient(cfg Config) *Client {
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchBackfillWithStatus fetches fills in [sinceMs, untilMs], paging
// backward by time the way Hyperliquid's userFillsByTime endpoint requires
// when a window holds more fills than a single response returns. success
// reports whether the source was reachable at all, independent of whether
// any fills were returned — a healthy empty response still advances
// liveness.
func (c *Client) FetchBackfillWithStatus(ctx context.Context, sinceMs, untilMs int64) ([]RawPositionEvent, bool) {
	if c.cfg.TargetWallet == "" {
		logs.Warn("ingest: missing target wallet, cannot fetch backfill")
		return nil, false
	}

	var events []RawPositionEvent
	success := false
	endTime := untilMs
	for endTime >= sinceMs {
		fills, ok, err := c.postUserFillsByTime(ctx, sinceMs, endTime)
		if err != nil {
			logs.Errorf("ingest: backfill request failed, err: %+v", err)
			break
		}
		if ok {
			success = true
		}
		if len(fills) == 0 {
			break
		}
		events = append(events, c.fillsToEvents(fills)...)
		oldest := oldestFillTime(fills)
		if oldest <= 0 || oldest <= sinceMs {
			break
		}
		endTime = oldest - 1
	}
	return events, success
}

// PollLiveEventsWithStatus fetches fills newer than sinceMs via REST. Used
// as the fallback path when the websocket stream is unavailable or stale.
func (c *Client) PollLiveEventsWithStatus(ctx context.Context, sinceMs int64) ([]RawPositionEvent, bool) {
	if c.cfg.TargetWallet == "" {
		logs.Warn("ingest: missing target wallet, cannot poll live fills")
		return nil, false
	}
	nowMs := time.Now().UTC().UnixMilli()
	return c.FetchBackfillWithStatus(ctx, sinceMs, nowMs)
}

func (c *Client) postUserFillsByTime(ctx context.Context, sinceMs, untilMs int64) ([]RawFill, bool, error) {
	body := userFillsByTimeRequest{
		Type:            "userFillsByTime",
		User:            c.cfg.TargetWallet,
		StartTime:       sinceMs,
		EndTime:         untilMs,
		AggregateByTime: false,
	}
	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return nil, false, errors.Wrap(err, "ingest: encode request")
	}

	attempt := 0
	maxAttempts := c.cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for {
		attempt++
		fills, err := c.doPostUserFills(ctx, payload)
		if err == nil {
			return fills, true, nil
		}
		if attempt >= maxAttempts {
			return nil, false, err
		}
		delay := time.Duration(retryDelayMs(c.cfg, attempt)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) doPostUserFills(ctx context.Context, payload []byte) ([]RawFill, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RestURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "ingest: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "ingest: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(fmt.Sprintf("ingest: unexpected status %d", resp.StatusCode))
	}

	var fills []RawFill
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&fills); err != nil {
		return nil, errors.Wrap(err, "ingest: decode response")
	}
	return fills, nil
}

func retryDelayMs(cfg Config, attempt int) int {
	base := cfg.RetryBaseDelayMs
	if base <= 0 {
		base = 250
	}
	maxDelay := cfg.RetryMaxDelayMs
	if maxDelay <= 0 {
		maxDelay = 2000
	}
	delay := base * attempt
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func oldestFillTime(fills []RawFill) int64 {
	oldest := int64(0)
	for _, f := range fills {
		if oldest == 0 || f.Time < oldest {
			oldest = f.Time
		}
	}
	return oldest
}

// streamSession holds the live websocket connection used for the
// persistent userFills subscription, dialed on demand by StartStream.
type streamSession struct {
	conn   ws.Conn
	cancel context.CancelFunc
	out    chan RawFill
}

// StartStream dials the websocket feed and subscribes to userFills for the
// configured wallet, pushing decoded fills onto the returned channel until
// ctx is canceled or the connection drops. Reconnection with backoff is the
// caller's (coordinator's) responsibility, matching the spec's "stream
// disconnect -> reconnect with exponential backoff" failure mode.
func (c *Client) StartStream(ctx context.Context) (<-chan RawFill, error) {
	if c.cfg.WSURL == "" {
		return nil, errors.New("ingest: no websocket url configured")
	}
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return nil, errors.Wrap(err, "ingest: parse ws url")
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := ws.NewDialer(ctx, u.Hostname(), port, u.Path)
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ingest: dial websocket")
	}

	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "userFills",
			"user": c.cfg.TargetWallet,
		},
	}
	payload, err := sonic.ConfigFastest.Marshal(sub)
	if err != nil {
		conn.Close(ws.CloseNormal, "")
		return nil, errors.Wrap(err, "ingest: encode subscribe")
	}
	if err := conn.Write(ctx, ws.MessageText, payload); err != nil {
		conn.Close(ws.CloseNormal, "")
		return nil, errors.Wrap(err, "ingest: send subscribe")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan RawFill, 1024)
	c.stream = &streamSession{conn: conn, cancel: cancel, out: out}

	go c.readStream(streamCtx, conn, out)
	return out, nil
}

// StopStream closes the live websocket connection, if one is open.
func (c *Client) StopStream() {
	if c.stream == nil {
		return
	}
	c.stream.cancel()
	c.stream.conn.Close(ws.CloseNormal, "client closing")
	c.stream = nil
}

func (c *Client) readStream(ctx context.Context, conn ws.Conn, out chan<- RawFill) {
	defer close(out)
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, msgType, err := conn.Read(ctx, buf)
		if err != nil {
			logs.Errorf("ingest: websocket read failed, err: %+v", err)
			return
		}
		if msgType != ws.MessageText {
			continue
		}
		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				Fills []RawFill `json:"fills"`
			} `json:"data"`
		}
		if err := sonic.ConfigFastest.Unmarshal(buf[:n], &msg); err != nil {
			logs.Warnf("ingest: unparseable stream message, err: %+v", err)
			continue
		}
		for _, fill := range msg.Data.Fills {
			select {
			case out <- fill:
			case <-ctx.Done():
				return
			}
		}
	}
}

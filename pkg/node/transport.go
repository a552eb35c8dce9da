package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ryandielhenn/zephyrmesh/pkg/corpc"
	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// HTTPTransport carries detector and collective messages as JSON over HTTP
// to the /internal routes of other nodes. Endpoints are host:port pairs or
// base URLs as stored in the directory.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPTransport{client: client}
}

// Gossip returns the detector side of the transport.
func (t *HTTPTransport) Gossip() gossip.Transport { return gossipTransport{t} }

// Collective returns the collective side of the transport.
func (t *HTTPTransport) Collective() corpc.Transport { return collectiveTransport{t} }

func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
}

type gossipTransport struct{ t *HTTPTransport }

func (g gossipTransport) Send(ctx context.Context, endpoint string, msg *gossip.Message) (*gossip.Message, error) {
	var reply gossip.Message
	if err := g.t.post(ctx, endpoint, "/internal/gossip/"+url.PathEscape(msg.Group), msg, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

type collectiveTransport struct{ t *HTTPTransport }

func (c collectiveTransport) Send(ctx context.Context, endpoint string, req *corpc.Request) (*corpc.Reply, error) {
	var reply corpc.Reply
	if err := c.t.post(ctx, endpoint, "/internal/corpc/"+url.PathEscape(req.Group), req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *HTTPTransport) post(ctx context.Context, endpoint, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	target := baseURL(endpoint) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return classify(ctx, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s: %s: %w", target, strings.TrimSpace(string(msg)), errorForStatus(resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(ctx, target, err)
	}
	return nil
}

func classify(ctx context.Context, target string, err error) error {
	var netErr net.Error
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %w", target, zerrors.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", target, zerrors.ErrUnreachable, err)
}

func errorForStatus(code int) error {
	switch code {
	case http.StatusGatewayTimeout:
		return zerrors.ErrTimeout
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", zerrors.ErrUnreachable, zerrors.ErrGroupNotFound)
	default:
		return fmt.Errorf("%w: status %d", zerrors.ErrUnreachable, code)
	}
}

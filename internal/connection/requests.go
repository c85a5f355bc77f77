package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jaydenbeard/vaultsync/internal/codec"
	"github.com/jaydenbeard/vaultsync/internal/connerrors"
	"github.com/jaydenbeard/vaultsync/internal/wire"
)

// SubmitRequest sends one correlated action and waits for its response or
// timeout (spec.md section 4.3, "Request/response multiplexing"). Exactly
// one of resolve or reject happens per requestId; after resolution,
// further messages bearing the same id are logged and discarded by the
// read loop.
func (c *Connection) SubmitRequest(ctx context.Context, action wire.Action, params interface{}) (json.RawMessage, error) {
	requestID := uuid.NewString()

	var paramsRaw []byte
	if params != nil {
		raw, err := codec.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("connection: marshal params for %s: %w", action, err)
		}
		paramsRaw = raw
	}

	resultCh := make(chan requestResult, 1)
	c.mu.Lock()
	c.pending[requestID] = &pendingRequest{action: action, resultCh: resultCh}
	c.mu.Unlock()

	c.metrics.RequestsInFlight.Inc()
	start := time.Now()
	defer func() {
		c.metrics.RequestsInFlight.Dec()
		c.metrics.RequestDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}()

	req := wire.OutboundRequest{RequestID: requestID, Action: action, Params: paramsRaw}
	data, err := codec.Marshal(req)
	if err != nil {
		c.removePending(requestID)
		return nil, fmt.Errorf("connection: marshal request %s: %w", action, err)
	}

	if err := c.writeMessage(data); err != nil {
		c.removePending(requestID)
		return nil, err
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case res := <-resultCh:
		return res.data, res.err
	case <-requestCtx.Done():
		c.removePending(requestID)
		return nil, connerrors.ErrTimeout
	}
}

func (c *Connection) removePending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Connection) writeMessage(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return connerrors.ErrDisconnected
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: %v", connerrors.ErrTransport, err)
	}
	return nil
}

// failAllPendingLocked resolves every outstanding request with err. Caller
// must hold c.mu.
func (c *Connection) failAllPendingLocked(err error) {
	for id, pr := range c.pending {
		pr.resultCh <- requestResult{err: err}
		delete(c.pending, id)
	}
}

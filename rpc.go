package electrum

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Message delimiter, per the Electrum protocol spec:
// http://docs.electrum.org/en/latest/protocol.html#format
const delimiter = byte('\n')

// rpcRequest is the JSON-RPC 2.0 request frame.
type rpcRequest struct {
	RPC    string `json:"jsonrpc"`
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func (r *rpcRequest) encode() ([]byte, error) {
	if r.RPC == "" {
		r.RPC = "2.0"
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, delimiter), nil
}

// rpcErrorWire mirrors the {error: {code, message}} object on the wire.
type rpcErrorWire struct {
	Code    int64                  `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// rpcResponse is the JSON-RPC 2.0 response/notification frame: a response
// carries ID (and Result or Error); a notification carries Method and
// Params instead.
type rpcResponse struct {
	RPC    string        `json:"jsonrpc"`
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params interface{}   `json:"params"`
	Result interface{}   `json:"result"`
	Error  *rpcErrorWire `json:"error"`
}

// subscription is either a one-shot pending-response sink (messages
// receives exactly one frame) or a standing notification sink dispatched
// by method name.
type subscription struct {
	method   string
	params   []any
	messages chan *rpcResponse
	handler  func(*rpcResponse)
	ctx      context.Context
}

// RpcChannel is the duplex JSON-RPC 2.0 multiplexer: it correlates
// numbered requests to responses, dispatches unsolicited subscription
// notifications by method name, and reconnects with capped exponential
// backoff, re-establishing subscriptions on the far side.
//
// Grounded in the prior Client.subs/syncRequest/handleMessages/
// resumeSubscriptions/startSubscription, generalized away from
// domain-specific RPC methods (those live in ElectrumApi).
type RpcChannel struct {
	sync.Mutex

	transport *transport
	counter   int
	subs      map[int]*subscription
	logger    *logrus.Logger

	done         chan bool
	bgProcessing context.Context
	cleanUp      context.CancelFunc
	resuming     context.Context
	stopResuming context.CancelFunc
}

// NewRpcChannel wraps an already-dialed transport in a multiplexer.
func NewRpcChannel(t *transport, logger *logrus.Logger) *RpcChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &RpcChannel{
		transport:    t,
		subs:         make(map[int]*subscription),
		logger:       logger,
		done:         make(chan bool),
		bgProcessing: ctx,
		cleanUp:      cancel,
	}
	go c.monitorState()
	go c.handleMessages()
	return c
}

func (c *RpcChannel) nextRequest(method string, params ...any) *rpcRequest {
	c.Lock()
	defer c.Unlock()
	if params == nil {
		params = []any{}
	}
	req := &rpcRequest{ID: c.counter, Method: method, Params: params}
	c.counter++
	return req
}

// monitorState watches for transport reconnection and re-establishes
// standing subscriptions.
func (c *RpcChannel) monitorState() {
	for {
		select {
		case s := <-c.transport.state:
			c.Lock()
			count := len(c.subs)
			c.Unlock()
			if s == stateReconnected && count > 0 {
				go c.resumeSubscriptions()
			}
		case <-c.bgProcessing.Done():
			return
		}
	}
}

func (c *RpcChannel) handleMessages() {
	for {
		select {
		case <-c.done:
			c.Lock()
			ids := make([]int, 0, len(c.subs))
			for id := range c.subs {
				ids = append(ids, id)
			}
			c.Unlock()
			for _, id := range ids {
				c.removeSubscription(id)
			}
			c.cleanUp()
			return

		case err := <-c.transport.errors:
			if c.logger != nil {
				c.logger.WithError(err).Debug("transport error")
			}

		case m := <-c.transport.messages:
			resp := &rpcResponse{}
			if err := json.Unmarshal(m, resp); err != nil {
				if c.logger != nil {
					c.logger.WithError(err).Warn("malformed frame")
				}
				continue
			}

			if resp.Method != "" {
				c.Lock()
				for _, sub := range c.subs {
					if sub.method == resp.Method {
						sub.messages <- resp
					}
				}
				c.Unlock()
				continue
			}

			c.Lock()
			sub, ok := c.subs[resp.ID]
			c.Unlock()
			if ok {
				sub.messages <- resp
			}
		}
	}
}

func (c *RpcChannel) removeSubscription(id int) {
	c.Lock()
	defer c.Unlock()
	if sub, ok := c.subs[id]; ok {
		close(sub.messages)
		delete(c.subs, id)
	}
}

// resumeSubscriptions restarts processing of existing standing
// subscriptions after a transport reconnect, probing with server.version
// until the connection proves responsive.
func (c *RpcChannel) resumeSubscriptions() {
	c.Lock()
	if c.stopResuming != nil {
		c.stopResuming()
	}
	c.resuming, c.stopResuming = context.WithCancel(context.Background())
	c.Unlock()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ticker.C:
			if _, err := c.Request("server.version", "electrum-agent", Protocol14_2); err == nil {
				break wait
			}
		case <-c.resuming.Done():
			return
		case <-c.bgProcessing.Done():
			return
		}
	}

	c.Lock()
	toResume := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.handler != nil {
			toResume = append(toResume, sub)
		}
	}
	c.Unlock()

	var g errgroup.Group
	for _, sub := range toResume {
		sub := sub
		g.Go(func() error {
			c.removeSubscriptionByValue(sub)
			sub.messages = make(chan *rpcResponse)
			if err := c.startSubscription(sub); err != nil {
				if c.logger != nil {
					c.logger.WithError(err).WithField("method", sub.method).Warn("failed to resume subscription")
				}
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *RpcChannel) removeSubscriptionByValue(target *subscription) {
	c.Lock()
	defer c.Unlock()
	for id, sub := range c.subs {
		if sub == target {
			delete(c.subs, id)
			return
		}
	}
}

func (c *RpcChannel) startSubscription(sub *subscription) error {
	go func() {
		for {
			select {
			case msg, ok := <-sub.messages:
				if !ok {
					return
				}
				sub.handler(msg)
			case <-sub.ctx.Done():
				return
			}
		}
	}()

	req := c.nextRequest(sub.method, sub.params...)
	c.Lock()
	c.subs[req.ID] = sub
	c.Unlock()

	b, err := req.encode()
	if err != nil {
		c.removeSubscription(req.ID)
		return errProtocolError(err)
	}
	if err := c.transport.sendMessage(b); err != nil {
		c.removeSubscription(req.ID)
		return errConnectionLost(err.Error())
	}
	return nil
}

// Subscribe registers a standing subscription for method+params; the
// initial response value and all subsequent notifications sharing the
// method are delivered to handler.
func (c *RpcChannel) Subscribe(ctx context.Context, method string, params []any, handler func(*rpcResponse)) error {
	sub := &subscription{
		ctx:      ctx,
		method:   method,
		params:   params,
		messages: make(chan *rpcResponse),
		handler:  handler,
	}
	return c.startSubscription(sub)
}

// Request sends a single request and blocks for its matching response.
func (c *RpcChannel) Request(method string, params ...any) (interface{}, error) {
	req := c.nextRequest(method, params...)

	res := make(chan *rpcResponse, 1)
	c.Lock()
	c.subs[req.ID] = &subscription{messages: res}
	c.Unlock()
	defer c.removeSubscription(req.ID)

	b, err := req.encode()
	if err != nil {
		return nil, errProtocolError(err)
	}
	if err := c.transport.sendMessage(b); err != nil {
		return nil, errConnectionLost(err.Error())
	}

	resp, ok := <-res
	if !ok {
		return nil, errConnectionLost("channel closed before response")
	}
	if resp.Error != nil {
		return nil, &RPCError{Code: int(resp.Error.Code), Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Close tears down the transport; any pending request fails with
// ConnectionLost as its sink channel is closed.
func (c *RpcChannel) Close(reason string) {
	_ = c.transport.close()
	select {
	case <-c.done:
		// already closed
	default:
		close(c.done)
	}
}

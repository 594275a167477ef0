// Package sefaztest provides a deterministic in-memory implementation of the
// authority client so lifecycle and coordination logic can be tested against
// the full status code matrix without a wire.
package sefaztest

import (
	"context"
	"sync"

	"fisco/internal/sefaz"
)

// Call records one invocation of a mock operation.
type Call struct {
	Operation string
	AccessKey string
}

// Step is one scripted reply: either a response or an error.
type Step struct {
	Response *sefaz.Response
	Err      error
}

// Client is a scriptable sefaz.Client. Each operation pops from its own FIFO
// script; when a script is empty the Default response is returned. Safe for
// concurrent use.
type Client struct {
	mu      sync.Mutex
	scripts map[string][]Step
	calls   []Call

	// Default is returned when no script step is queued for an operation.
	Default *sefaz.Response
}

var _ sefaz.Client = (*Client)(nil)

// New creates an empty mock whose default reply is service-operating.
func New() *Client {
	return &Client{
		scripts: make(map[string][]Step),
		Default: Classified(sefaz.CodeServiceOperating, "Servico em Operacao", ""),
	}
}

// Classified builds a Response with the outcome the classifier assigns to
// the code. Panics on unmapped codes: mock scripts must stay inside the
// protocol's code matrix.
func Classified(code int, reason, protocolNumber string) *sefaz.Response {
	outcome, err := sefaz.Classify(code)
	if err != nil {
		panic(err)
	}
	return &sefaz.Response{
		Code:           code,
		Reason:         reason,
		ProtocolNumber: protocolNumber,
		Outcome:        outcome,
	}
}

// Script queues replies for the named operation, in order.
func (c *Client) Script(operation string, steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[operation] = append(c.scripts[operation], steps...)
}

// Respond queues classified responses for the named operation.
func (c *Client) Respond(operation string, responses ...*sefaz.Response) {
	steps := make([]Step, len(responses))
	for i, r := range responses {
		steps[i] = Step{Response: r}
	}
	c.Script(operation, steps...)
}

// Fail queues an error reply for the named operation.
func (c *Client) Fail(operation string, err error) {
	c.Script(operation, Step{Err: err})
}

// Calls returns a snapshot of all recorded invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named operation was invoked.
func (c *Client) CallCount(operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Operation == operation {
			n++
		}
	}
	return n
}

func (c *Client) next(operation, accessKey string) (*sefaz.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Operation: operation, AccessKey: accessKey})

	script := c.scripts[operation]
	if len(script) == 0 {
		return c.Default, nil
	}
	step := script[0]
	c.scripts[operation] = script[1:]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

func (c *Client) CheckServiceHealth(_ context.Context) (*sefaz.Response, error) {
	return c.next("health", "")
}

func (c *Client) Submit(_ context.Context, sub sefaz.Submission) (*sefaz.Response, error) {
	return c.next("submit", sub.AccessKey)
}

func (c *Client) QueryStatus(_ context.Context, accessKey string) (*sefaz.Response, error) {
	return c.next("query", accessKey)
}

func (c *Client) RequestCancellation(_ context.Context, ev sefaz.Cancellation) (*sefaz.Response, error) {
	return c.next("cancel", ev.AccessKey)
}

func (c *Client) VoidRange(_ context.Context, _ sefaz.VoidRange) (*sefaz.Response, error) {
	return c.next("void", "")
}

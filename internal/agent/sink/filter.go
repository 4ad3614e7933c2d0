package sink

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// Filter forwards only the events a boolean expression accepts.
//
// The expression sees these variables:
//
//	code            event code name, e.g. "FRAME_IN"
//	code_id         event code id
//	source          agent instance that captured the event
//	address         frame peer address
//	frame_length    frame length on the wire
//	channel         channel URI of command, channel and cleanup events
//	session_id      session id
//	stream_id       stream id
//	correlation_id  correlation id
//	client_id       client id of command events
//	message         error message of command events
type Filter struct {
	program *vm.Program
	rawExpr string
	next    Sink
}

// NewFilter compiles expression and wraps next
func NewFilter(expression string, next Sink) (*Filter, error) {
	program, err := expr.Compile(expression, expr.Env(filterEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}
	return &Filter{program: program, rawExpr: expression, next: next}, nil
}

// Expression returns the source of the filter expression
func (f *Filter) Expression() string {
	return f.rawExpr
}

// Match evaluates the expression against event
func (f *Filter) Match(event *domain.DriverEvent) (bool, error) {
	output, err := expr.Run(f.program, filterEnv(event))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter expression: %w", err)
	}
	matched, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("filter expression returned %T, expected bool", output)
	}
	return matched, nil
}

// Consume forwards the event when it matches
func (f *Filter) Consume(ctx context.Context, event *domain.DriverEvent) error {
	matched, err := f.Match(event)
	if err != nil {
		return err
	}
	if !matched {
		return nil
	}
	return f.next.Consume(ctx, event)
}

// Close closes the wrapped sink
func (f *Filter) Close() error {
	return f.next.Close()
}

func filterEnv(event *domain.DriverEvent) map[string]interface{} {
	env := map[string]interface{}{
		"code":           "",
		"code_id":        0,
		"source":         "",
		"address":        "",
		"frame_length":   0,
		"channel":        "",
		"session_id":     0,
		"stream_id":      0,
		"correlation_id": 0,
		"client_id":      0,
		"message":        "",
	}
	if event == nil {
		return env
	}

	env["code"] = event.CodeName
	env["code_id"] = int(event.CodeID)
	env["source"] = event.Source

	switch {
	case event.Frame != nil:
		env["address"] = event.Frame.Address
		env["frame_length"] = int(event.Frame.FrameLength)
	case event.Command != nil:
		cmd := event.Command
		env["channel"] = cmd.Channel
		env["session_id"] = int(cmd.SessionID)
		env["stream_id"] = int(cmd.StreamID)
		env["correlation_id"] = int(cmd.CorrelationID)
		env["client_id"] = int(cmd.ClientID)
		env["message"] = cmd.Message
	case event.Channel != nil:
		env["channel"] = event.Channel.Channel
	case event.Cleanup != nil:
		c := event.Cleanup
		env["channel"] = c.Channel
		env["session_id"] = int(c.SessionID)
		env["stream_id"] = int(c.StreamID)
		env["correlation_id"] = int(c.CorrelationID)
	}
	return env
}

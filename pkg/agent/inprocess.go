// Copyright 2025 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// HandlerFunc is the signature of a bound in-process agent function.
type HandlerFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// InProcessAdapter invokes a bound function with filtered input.
type InProcessAdapter struct {
	desc    *Descriptor
	handler HandlerFunc
	schema  map[string]any
}

// InProcessOption configures an InProcessAdapter.
type InProcessOption func(*InProcessAdapter)

// WithParamsType derives the adapter's input schema from a Go struct using
// jsonschema reflection. Pass a zero value of the params type.
func WithParamsType(params any) InProcessOption {
	return func(a *InProcessAdapter) {
		reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
		schema := reflector.Reflect(params)
		data, err := json.Marshal(schema)
		if err != nil {
			return
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		a.schema = m
	}
}

// NewInProcessAdapter binds a handler function behind the adapter contract.
func NewInProcessAdapter(desc *Descriptor, handler HandlerFunc, opts ...InProcessOption) (*InProcessAdapter, error) {
	if handler == nil {
		return nil, fmt.Errorf("agent %s: handler cannot be nil", desc.Name)
	}
	a := &InProcessAdapter{desc: desc, handler: handler}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *InProcessAdapter) Name() string { return a.desc.Name }

func (a *InProcessAdapter) Schema() map[string]any { return a.schema }

// Call filters the input, then runs the handler under the per-call timeout.
// The handler runs in its own goroutine so deadline expiry is observed even
// when the handler ignores its context.
func (a *InProcessAdapter) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	filtered, err := a.desc.FilterInput(input)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.desc.Limits.Timeout)
	defer cancel()

	type result struct {
		data map[string]any
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: NewError(a.desc.Name, KindPermanent,
					fmt.Sprintf("handler panic: %v", r), nil)}
			}
		}()
		data, err := a.handler(callCtx, filtered)
		done <- result{data: data, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not the per-call budget.
			return nil, ctx.Err()
		}
		return nil, NewError(a.desc.Name, KindTimeout,
			fmt.Sprintf("call exceeded %s", a.desc.Limits.Timeout), callCtx.Err())
	case res := <-done:
		if res.err != nil {
			var agentErr *Error
			if ok := asAgentError(res.err, &agentErr); ok {
				return nil, agentErr
			}
			return nil, NewError(a.desc.Name, KindOf(res.err), res.err.Error(), res.err)
		}
		return res.data, nil
	}
}

func (a *InProcessAdapter) Close() error { return nil }

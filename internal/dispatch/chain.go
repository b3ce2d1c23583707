package dispatch

import (
	"fmt"
	"log"
)

// Step transforms the value flowing through a processing chain. The returned
// value feeds the next step; returning nil halts the remaining steps without
// error.
type Step func(any) (any, error)

// Chain builds a composite listener whose steps run in declared order,
// each step receiving the previous step's return value.
type Chain struct {
	d     *Dispatcher
	event string
	steps []Step
	catch func(error)
}

// Chain starts a processing chain for the event. Call Then to append steps
// and Execute to register the chain as a single listener.
func (d *Dispatcher) Chain(event string) *Chain {
	return &Chain{d: d, event: event}
}

// Then appends a step to the chain.
func (c *Chain) Then(step Step) *Chain {
	c.steps = append(c.steps, step)
	return c
}

// Catch installs a handler for errors or panics raised by a step.
func (c *Chain) Catch(fn func(error)) *Chain {
	c.catch = fn
	return c
}

// Execute registers the chain as one listener and returns its handle.
func (c *Chain) Execute() Handle {
	return c.d.On(c.event, func(ev Event) {
		v := ev.Payload
		for _, step := range c.steps {
			next, err := runStep(step, v)
			if err != nil {
				if c.catch != nil {
					c.catch(err)
				} else {
					log.Printf("[dispatch] chain for %q failed: %v", ev.Name, err)
				}
				return
			}
			if next == nil {
				return
			}
			v = next
		}
	})
}

func runStep(step Step, v any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chain step panicked: %v", r)
		}
	}()
	return step(v)
}

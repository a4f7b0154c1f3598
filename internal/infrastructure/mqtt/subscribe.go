package mqtt

import "fmt"

// Subscribe registers handler for messages matching filter.
//
// The subscription is remembered and restored after a reconnect.
// Subscribing to the same filter again replaces the handler.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	switch {
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %q", ErrSubscribeFailed, filter)
	case qos > maxQoS:
		return ErrInvalidQoS
	}
	if err := validateFilter(filter); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]subscription)
	}
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	err := waitToken(c.paho.Subscribe(filter, qos, c.wrapHandler(handler)), ErrSubscribeFailed)
	if err != nil {
		c.forget(filter)
	}
	return err
}

// Unsubscribe drops filter and stops restoring it.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.forget(filter)
	return waitToken(c.paho.Unsubscribe(filter), ErrUnsubscribeFailed)
}

func (c *Client) forget(filter string) {
	c.mu.Lock()
	delete(c.subs, filter)
	c.mu.Unlock()
}

// SubscriptionCount returns the number of remembered filters.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// HasSubscription reports whether filter is remembered (exact string match).
func (c *Client) HasSubscription(filter string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[filter]
	return ok
}

package mqtt

import (
	"fmt"
)

// Subscribe registers handler for a filter inside the namespace, such as
// "serial_device/+/connect". The subscription is remembered and restored
// after every reconnect, since the bridge uses clean sessions.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, filter)
	}
	if err := c.topics.Check(filter, true); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.track(subscription{filter: filter, qos: qos, handler: handler})
	if err := await(c.client.Subscribe(filter, qos, c.wrapHandler(handler)), ErrSubscribeFailed); err != nil {
		c.untrack(filter)
		return err
	}
	return nil
}

// SubscribeAll subscribes handler to every filter, as the bridge does with
// Topics.CommandSubscriptions. If one filter fails, those already added are
// unsubscribed again so the client is left as it was.
func (c *Client) SubscribeAll(filters []string, qos byte, handler MessageHandler) error {
	for i, filter := range filters {
		if err := c.Subscribe(filter, qos, handler); err != nil {
			for _, added := range filters[:i] {
				c.Unsubscribe(added) //nolint:errcheck // rollback, first error wins
			}
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}
	}
	return nil
}

// Unsubscribe drops a filter. It is forgotten even when the broker cannot
// be told, so it is not restored on the next reconnect.
func (c *Client) Unsubscribe(filter string) error {
	if err := c.topics.Check(filter, true); err != nil {
		return err
	}
	c.untrack(filter)

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Unsubscribe(filter), ErrUnsubscribeFailed)
}

// SubscriptionCount returns the number of filters restored on reconnect.
// The bridge reports it in its health record.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

func (c *Client) track(sub subscription) {
	c.subMu.Lock()
	c.subscriptions[sub.filter] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}

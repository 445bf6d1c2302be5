package mqtt

import (
	"fmt"
)

// maxPayloadSize caps a single publication. Serial reads arrive in chunks
// far below it; a larger send is refused rather than truncated.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker to acknowledge
// it at the requested QoS.
//
// The topic must lie inside the client's namespace and carry no
// wildcards. The bridge publishes status and port listings retained, so a
// client that subscribes late still sees the current state, and received
// data unretained.
//
//	err := client.Publish(client.Topics().DeviceReceived("COM9"), data, 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if err := c.topics.Check(topic, false); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

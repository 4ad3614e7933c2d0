package ringbuffer

// Stats is a point-in-time view of the ring buffer positions
type Stats struct {
	Capacity         int     `json:"capacity"`
	MaxMessageLength int     `json:"max_message_length"`
	Size             int     `json:"size"`
	ProducerPosition int64   `json:"producer_position"`
	ConsumerPosition int64   `json:"consumer_position"`
	Utilization      float64 `json:"utilization_percent"`
}

// Statistics returns buffer statistics
func (rb *RingBuffer) Statistics() Stats {
	size := rb.Size()
	return Stats{
		Capacity:         int(rb.capacity),
		MaxMessageLength: rb.maxMsgLength,
		Size:             size,
		ProducerPosition: rb.tail.Load(),
		ConsumerPosition: rb.head.Load(),
		Utilization:      float64(size) / float64(rb.capacity) * 100,
	}
}

// Package buffer provides a bounded circular FIFO.
//
// The pull client queues outbound sends here while it is not online and
// drains the queue when a transport opens:
//
//	queue, err := buffer.NewCircularBuffer[pending](100,
//	    buffer.WithOverflowPolicy[pending](buffer.DropOldest),
//	    buffer.WithDropCallback[pending](func(p pending) { p.reject(errors.ErrQueueOverflow) }),
//	)
//
// Drop callbacks run after the internal lock is released, so they may touch
// the buffer again. Statistics are always collected; WithMetrics exports them.
package buffer

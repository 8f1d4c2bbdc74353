package main

import "time"

const (
	txQueueSize       = 1024 // capacity of async TX ring
	serialReadBufSize = 4096 // per read() buffer for serial backend
	// largeBufferReclaimThreshold is the capacity above which the serial RX
	// accumulation buffer is reallocated once drained, so a burst of line
	// noise does not pin a large backing array.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond

	// pollInterval bounds how long the gateway loop sleeps without a wake-up;
	// heartbeats and the idle timeout are driven from it.
	pollInterval = 50 * time.Millisecond
	// maxRecvPerStep caps frames drained from the tunnel per loop iteration.
	maxRecvPerStep = 64
)

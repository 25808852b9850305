package models

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewThreadID returns a fresh thread identifier.
func NewThreadID() string { return "thr_" + uuid.NewString() }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// NewSessionID returns a fresh subscriber session identifier.
func NewSessionID() string { return "ses_" + uuid.NewString() }

// NewToolCallID returns a fresh tool call identifier for locally
// synthesized calls. Provider-issued ids are used verbatim when present.
func NewToolCallID() string { return "call_" + uuid.NewString() }

// NewReceiptID returns a fresh input receipt identifier.
func NewReceiptID() string { return "rcpt_" + uuid.NewString() }

// GenerationCounter hands out monotonic generation identifiers within a
// process. Process-wide by design: generation ids must never collide across
// threads sharing a persistence store.
type GenerationCounter struct {
	n atomic.Uint64
}

// Next returns the next generation id.
func (c *GenerationCounter) Next() string {
	return fmt.Sprintf("gen_%d_%d", time.Now().Unix(), c.n.Add(1))
}

// Generations is the process-wide generation id source.
var Generations GenerationCounter

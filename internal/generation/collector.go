package generation

import (
	"context"
	"slices"
	"sync"

	"github.com/kalambet/replyd/internal/stream"
)

// Collector is a Sink that keeps frames in memory and demultiplexes them.
// It serves callers that want the whole result rather than a live stream.
type Collector struct {
	mu     sync.Mutex
	frames []stream.Frame
	demux  *stream.Demux
}

func NewCollector() *Collector {
	return &Collector{demux: stream.NewDemux()}
}

func (c *Collector) Send(_ context.Context, f stream.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	c.demux.Apply(f)
	return nil
}

func (c *Collector) Frames() []stream.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.frames)
}

// Demux returns the demultiplexed view. It must not be used concurrently
// with a running Send.
func (c *Collector) Demux() *stream.Demux {
	return c.demux
}

package engine

import (
	"github.com/o2ter/LangVector/internal/logits"
)

// Sample picks the next token from the logits of the last output row. The
// sampler state persists across calls; a changed seed restarts its random
// stream.
func (c *Context) Sample(cfg logits.Config) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return -1, err
	}
	if c.weights == nil || c.lastOutput < 0 {
		return -1, ErrNoLogitsAvailable
	}
	if c.sampler == nil {
		c.sampler = logits.NewSampler(cfg, logits.Vocab{
			Newline: c.model.Vocab().Specials().NL,
			IsEOG:   c.model.Vocab().IsEOG,
		})
	} else {
		c.sampler.Update(cfg)
	}
	vocab := c.model.Vocab().Size()
	row := c.logits[c.lastOutput*vocab : (c.lastOutput+1)*vocab]
	return c.sampler.Sample(row, c.history)
}

// AcceptToken records tok in the penalty history and advances the grammar
// of the last Sample call.
func (c *Context) AcceptToken(tok int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	c.history.Push(tok)
	if c.sampler != nil {
		return c.sampler.Accept(tok)
	}
	return nil
}

// ResetHistory forgets the accepted tokens.
func (c *Context) ResetHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.history != nil {
		c.history.Reset()
	}
}

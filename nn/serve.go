package nn

import (
	"fmt"
	"math/rand"
)

// ServeRequest is one generation request submitted to a Batcher slot.
type ServeRequest struct {
	Prompt          []int
	MaxNewTokens    int
	EOSTokenID      int // <0 disables
	StopTokenIDs    []int
	Sampler         SamplerConfig
	RNGSeedOverride int64
}

// ServeResult is the finished output of a slot.
type ServeResult struct {
	Tokens         []int
	StoppedOnEOS   bool
	StoppedByLimit bool // hit MaxNewTokens or ran out of context
	Cancelled      bool
}

type serveSlot struct {
	inUse     bool
	done      bool
	promptPos int
	req       ServeRequest
	result    ServeResult
	rng       *rand.Rand
	logits    []float32
	haveLog   bool
}

// Batcher interleaves several generation streams over one network in
// lockstep, one KV cache per slot. Requests join and leave between steps;
// a freed slot's cache is zeroed before reuse. The batcher is not
// goroutine-safe; callers own the step loop.
type Batcher struct {
	n     *Network
	batch *LMBatchSession
	slots []serveSlot

	toks   []int
	active []bool
	out    [][]float32
}

// NewBatcher creates a batcher with nSlots independent sessions.
func (n *Network) NewBatcher(nSlots int, cfg SessionConfig) (*Batcher, error) {
	batch, err := n.NewBatchSession(nSlots, cfg)
	if err != nil {
		return nil, err
	}
	b := &Batcher{
		n:      n,
		batch:  batch,
		slots:  make([]serveSlot, nSlots),
		toks:   make([]int, nSlots),
		active: make([]bool, nSlots),
		out:    make([][]float32, nSlots),
	}
	for i := range b.slots {
		b.slots[i].logits = make([]float32, n.params.outputSize)
	}
	return b, nil
}

// Slots returns the slot count.
func (b *Batcher) Slots() int { return len(b.slots) }

// Busy returns the number of occupied slots.
func (b *Batcher) Busy() int {
	busy := 0
	for i := range b.slots {
		if b.slots[i].inUse {
			busy++
		}
	}
	return busy
}

// Submit places a request into a free slot and returns its index.
func (b *Batcher) Submit(req ServeRequest) (int, error) {
	if len(req.Prompt) == 0 {
		return -1, fmt.Errorf("%w: empty prompt", ErrInvalidArgument)
	}
	if req.MaxNewTokens <= 0 {
		return -1, fmt.Errorf("%w: max new tokens must be positive", ErrInvalidArgument)
	}
	for i := range b.slots {
		if b.slots[i].inUse {
			continue
		}
		seed := req.RNGSeedOverride
		if seed == 0 {
			seed = deriveSeed(b.n.seed, req.Prompt)
		}
		b.batch.ResetSlot(i)
		b.slots[i] = serveSlot{
			inUse:  true,
			req:    req,
			rng:    rand.New(rand.NewSource(seed)),
			logits: b.slots[i].logits,
		}
		return i, nil
	}
	return -1, fmt.Errorf("%w: all %d slots busy", ErrInvalidState, len(b.slots))
}

// Result returns the finished output of a slot. The second return is
// false while the slot is still generating.
func (b *Batcher) Result(slot int) (ServeResult, bool) {
	s := &b.slots[slot]
	if !s.inUse || !s.done {
		return ServeResult{}, false
	}
	return s.result, true
}

// Remove frees a slot, zeroing its KV cache so the next occupant cannot
// attend to stale keys.
func (b *Batcher) Remove(slot int) {
	b.batch.ResetSlot(slot)
	b.slots[slot] = serveSlot{logits: b.slots[slot].logits}
}

// Step advances every live slot by exactly one position: prompt slots
// prefill their next token, decode slots sample from the previous step's
// logits and feed the sample back in. Returns the number of slots still
// generating.
func (b *Batcher) Step(cb ServeCallbacks) (int, error) {
	if cb != nil && cb.ShouldStopAll() {
		for i := range b.slots {
			if b.slots[i].inUse && !b.slots[i].done {
				b.slots[i].done = true
				b.slots[i].result.Cancelled = true
			}
		}
		return 0, nil
	}

	for i := range b.slots {
		s := &b.slots[i]
		b.active[i] = false
		b.out[i] = nil
		if !s.inUse || s.done {
			continue
		}
		if cb != nil && cb.ShouldStopRequest(i) {
			s.done = true
			s.result.Cancelled = true
			continue
		}

		sess := b.batch.Slot(i)
		if s.promptPos < len(s.req.Prompt) {
			// Prefill: logits only matter at the last prompt position.
			b.toks[i] = s.req.Prompt[s.promptPos]
			if s.promptPos == len(s.req.Prompt)-1 {
				b.out[i] = s.logits
			}
			s.promptPos++
			b.active[i] = true
			continue
		}

		if !s.haveLog {
			// The previous step produced no logits: context ran out
			// before the first decode step.
			s.done = true
			s.result.StoppedByLimit = true
			continue
		}
		tok := sampleToken(s.logits, &s.req.Sampler, s.rng)
		s.result.Tokens = append(s.result.Tokens, tok)
		if cb != nil {
			cb.OnToken(i, tok, sess.Len())
		}
		if s.req.EOSTokenID >= 0 && tok == s.req.EOSTokenID {
			s.done = true
			s.result.StoppedOnEOS = true
			continue
		}
		stopped := false
		for _, st := range s.req.StopTokenIDs {
			if tok == st {
				s.done = true
				s.result.StoppedOnEOS = true
				stopped = true
				break
			}
		}
		if stopped {
			continue
		}
		if len(s.result.Tokens) >= s.req.MaxNewTokens {
			s.done = true
			s.result.StoppedByLimit = true
			continue
		}
		if sess.Len() >= sess.MaxLen() {
			s.done = true
			s.result.StoppedByLimit = true
			continue
		}
		b.toks[i] = tok
		b.out[i] = s.logits
		b.active[i] = true
	}

	anyActive := false
	for i := range b.active {
		if b.active[i] {
			anyActive = true
			break
		}
	}
	if anyActive {
		if err := b.batch.Append(b.toks, b.active, b.out); err != nil {
			return b.liveCount(), err
		}
		for i := range b.slots {
			if b.active[i] && b.out[i] != nil {
				b.slots[i].haveLog = true
			}
		}
	}
	return b.liveCount(), nil
}

func (b *Batcher) liveCount() int {
	live := 0
	for i := range b.slots {
		if b.slots[i].inUse && !b.slots[i].done {
			live++
		}
	}
	return live
}

// GenerateBatch runs a set of requests to completion over nSlots lockstep
// streams, admitting queued requests as slots free up. Results are
// returned in request order.
func (n *Network) GenerateBatch(reqs []ServeRequest, nSlots int, cfg SessionConfig, cb ServeCallbacks) ([]ServeResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no requests", ErrInvalidArgument)
	}
	for i := range reqs {
		if len(reqs[i].Prompt) == 0 {
			return nil, fmt.Errorf("%w: request %d has an empty prompt", ErrInvalidArgument, i)
		}
		if reqs[i].MaxNewTokens <= 0 {
			return nil, fmt.Errorf("%w: request %d: max new tokens must be positive", ErrInvalidArgument, i)
		}
	}
	if err := n.beginRun(); err != nil {
		return nil, err
	}
	defer n.endRun()

	b, err := n.NewBatcher(nSlots, cfg)
	if err != nil {
		return nil, err
	}
	results := make([]ServeResult, len(reqs))
	slotReq := make([]int, len(b.slots)) // slot -> request index
	next := 0
	pending := len(reqs)

	for pending > 0 {
		// Admit as many queued requests as there are free slots.
		for next < len(reqs) {
			slot, err := b.Submit(reqs[next])
			if err != nil {
				break
			}
			slotReq[slot] = next
			next++
		}
		if _, err := b.Step(cb); err != nil {
			return results, err
		}
		for i := range b.slots {
			if res, ok := b.Result(i); ok {
				results[slotReq[i]] = res
				b.Remove(i)
				pending--
			}
		}
		if cb != nil && cb.ShouldStopAll() {
			break
		}
	}
	return results, nil
}

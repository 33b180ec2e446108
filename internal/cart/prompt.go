package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultPromptTTL is how long a confirmation stays answerable.
const DefaultPromptTTL = 6 * time.Second

var (
	// ErrNoPendingAction is returned by Confirm when nothing awaits confirmation.
	ErrNoPendingAction = errors.New("cart: no action awaiting confirmation")
	// ErrPromptExpired is returned by Confirm after the prompt timed out.
	ErrPromptExpired = errors.New("cart: confirmation expired")
)

// Pending describes an action awaiting the shopper's answer.
type Pending struct {
	Message   string
	ExpiresAt time.Time
	action    func(context.Context) error
}

// Prompt holds at most one destructive action until it is confirmed or
// cancelled. Asking again replaces the previous question.
type Prompt struct {
	store *Store
	TTL   time.Duration
	Now   func() time.Time

	mu      sync.Mutex
	pending *Pending
}

// NewPrompt binds a prompt to store.
func NewPrompt(store *Store) *Prompt {
	return &Prompt{store: store, TTL: DefaultPromptTTL}
}

func (p *Prompt) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Ask records action behind message and returns the pending question.
func (p *Prompt) Ask(message string, action func(context.Context) error) Pending {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultPromptTTL
	}
	pending := &Pending{Message: message, ExpiresAt: p.now().Add(ttl), action: action}
	p.mu.Lock()
	p.pending = pending
	p.mu.Unlock()
	return *pending
}

// AskRemove asks before removing a cart line.
func (p *Prompt) AskRemove(cartItemID int64) (Pending, error) {
	line, ok := p.store.Snapshot().Find(cartItemID)
	if !ok {
		return Pending{}, fmt.Errorf("cart: item %d not in cart", cartItemID)
	}
	return p.Ask(fmt.Sprintf("Remove %s from cart?", line.Name), func(ctx context.Context) error {
		return p.store.Remove(ctx, cartItemID)
	}), nil
}

// AskClear asks before emptying the cart.
func (p *Prompt) AskClear() Pending {
	return p.Ask("Are you sure you want to clear your entire cart?", p.store.Clear)
}

// Pending returns the open question, if any.
func (p *Prompt) Pending() (Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil || !p.now().Before(p.pending.ExpiresAt) {
		return Pending{}, false
	}
	return *p.pending, true
}

// Confirm runs the pending action once. The question is closed before the
// action runs, so a second Confirm does not repeat it.
func (p *Prompt) Confirm(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	if pending == nil {
		return ErrNoPendingAction
	}
	if !p.now().Before(pending.ExpiresAt) {
		return ErrPromptExpired
	}
	return pending.action(ctx)
}

// Cancel discards the pending question without side effects.
func (p *Prompt) Cancel() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

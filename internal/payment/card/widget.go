package card

import (
	"context"
	"strings"
	"sync"

	"payflow/internal/payment/domain"
)

// Widget is the card capture element of one payment form. The browser
// tokenizes the card and hands over a payment method id; Confirm then
// runs tokenize+confirm as one opaque step against a client secret.
type Widget struct {
	processor Processor

	mu            sync.Mutex
	paymentMethod string
}

// NewWidget creates a widget. A nil processor leaves it permanently not ready.
func NewWidget(processor Processor) *Widget {
	return &Widget{processor: processor}
}

// Attach records the tokenized card captured by the browser.
func (w *Widget) Attach(paymentMethod string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paymentMethod = strings.TrimSpace(paymentMethod)
}

// Ready reports whether the processor and the card element are both available.
func (w *Widget) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processor != nil && w.paymentMethod != ""
}

// Confirm submits the attached card against clientSecret.
func (w *Widget) Confirm(ctx context.Context, clientSecret string) (*Confirmation, error) {
	w.mu.Lock()
	pm := w.paymentMethod
	w.mu.Unlock()

	if w.processor == nil || pm == "" {
		return nil, domain.ErrNotReady
	}
	return w.processor.ConfirmCardPayment(ctx, clientSecret, pm)
}

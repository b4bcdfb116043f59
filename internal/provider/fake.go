package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
)

// Fake is an in-memory Port for tests: no network, deterministic
// behavior, inspectable state. A hand-written double alongside the real
// HTTP client rather than a generated mock.
type Fake struct {
	mu       sync.Mutex
	clk      clock.Clock
	refs     map[string]*Result
	methods  map[string][]*PaymentMethod
	seq      int
	Secret   string

	// FailNextCreate, when set, makes the next CreatePayment call return
	// this error instead of succeeding; tests use it to drive retry and
	// recovery paths.
	FailNextCreate error
}

func NewFake(clk clock.Clock) *Fake {
	return &Fake{
		clk:     clk,
		refs:    make(map[string]*Result),
		methods: make(map[string][]*PaymentMethod),
	}
}

func (f *Fake) CreatePayment(ctx context.Context, in CreateInput) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNextCreate != nil {
		err := f.FailNextCreate
		f.FailNextCreate = nil
		return nil, err
	}

	f.seq++
	ref := fmt.Sprintf("fake-ref-%d", f.seq)
	res := &Result{Success: true, ExternalRef: ref, Status: "succeeded"}
	f.refs[ref] = res
	return res, nil
}

func (f *Fake) ConfirmPayment(ctx context.Context, externalRef string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res, ok := f.refs[externalRef]
	if !ok {
		return nil, nil
	}
	res.Status = "succeeded"
	res.Success = true
	return res, nil
}

func (f *Fake) GetTransactionStatus(ctx context.Context, externalRef string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res, ok := f.refs[externalRef]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

// SetStatus lets a test directly drive what the fake reports for ref, to
// simulate a provider-side state change observed out-of-band.
func (f *Fake) SetStatus(ref, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.refs[ref]; ok {
		res.Status = status
	} else {
		f.refs[ref] = &Result{Success: true, ExternalRef: ref, Status: status}
	}
}

func (f *Fake) AddPaymentMethod(ctx context.Context, customerID string, details map[string]any) (*PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	pm := &PaymentMethod{Ref: fmt.Sprintf("fake-pm-%d", f.seq), CustomerID: customerID, Details: details}
	f.methods[customerID] = append(f.methods[customerID], pm)
	return pm, nil
}

func (f *Fake) GetPaymentMethods(ctx context.Context, customerID string) ([]*PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PaymentMethod(nil), f.methods[customerID]...), nil
}

func (f *Fake) RemovePaymentMethod(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cust, pms := range f.methods {
		for i, pm := range pms {
			if pm.Ref == ref {
				f.methods[cust] = append(pms[:i], pms[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (f *Fake) VerifyWebhookSignature(payload []byte, signature string) bool {
	return signature == f.Secret
}

var _ Port = (*Fake)(nil)

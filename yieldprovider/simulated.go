package yieldprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
)

type simRequest struct {
	req       UnstakeRequest
	signature []byte
	status    UnstakeStatus
}

// SimulatedProvider is an in-memory staking venue for tests. Withdrawals
// spend the UTXOs of Source through the given assembler.
type SimulatedProvider struct {
	mu sync.Mutex

	Address   string
	Source    string
	Assembler *assembler.Assembler

	requests map[string]*simRequest
	seq      int
}

var _ Provider = (*SimulatedProvider)(nil)

func NewSimulatedProvider(address, source string, asm *assembler.Assembler) *SimulatedProvider {
	return &SimulatedProvider{
		Address:   address,
		Source:    source,
		Assembler: asm,
		requests:  make(map[string]*simRequest),
	}
}

func (p *SimulatedProvider) DepositAddress(context.Context) (string, error) {
	return p.Address, nil
}

func (p *SimulatedProvider) UnstakeMessage(_ context.Context, req *UnstakeRequest) (*UnstakeMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("unstake-%d", p.seq)
	p.requests[id] = &simRequest{req: *req}
	return &UnstakeMessage{
		RequestID: id,
		Message:   fmt.Sprintf("unstake %d sat for %s (%s)", req.Amount, req.Reference, id),
	}, nil
}

func (p *SimulatedProvider) SubmitUnstake(_ context.Context, requestID string, signature []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	r.signature = signature
	r.status = UnstakeProcessing
	return nil
}

func (p *SimulatedProvider) UnstakeStatus(_ context.Context, requestID string) (UnstakeStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[requestID]
	if !ok || r.status == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return r.status, nil
}

// Signature returns what was submitted for requestID.
func (p *SimulatedProvider) Signature(requestID string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.requests[requestID]; ok {
		return r.signature
	}
	return nil
}

// Request returns the unstake request behind requestID.
func (p *SimulatedProvider) Request(requestID string) (UnstakeRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[requestID]
	if !ok {
		return UnstakeRequest{}, false
	}
	return r.req, true
}

// CompleteAll finishes every submitted unstake.
func (p *SimulatedProvider) CompleteAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.requests {
		if r.status == UnstakeProcessing {
			r.status = UnstakeDone
		}
	}
}

func (p *SimulatedProvider) WithdrawalPsbt(ctx context.Context, outputs []assembler.Output) (*psbt.Packet, error) {
	payload, err := p.Assembler.BuildPayload(ctx, &assembler.PayloadRequest{
		Sender:  p.Source,
		Outputs: outputs,
		Order:   utxo.Descending,
	})
	if err != nil {
		return nil, err
	}
	return payload.Packet, nil
}

package delivery

import (
	"context"
	"sync"
)

// FakeClient is a hand-written in-memory double used across the daemon's
// tests, mirroring the teacher's mock-repository style (no generated mocks).
type FakeClient struct {
	mu       sync.Mutex
	Calls    []TriggerRequest
	NextErr  error
	NextTxID string
	seq      int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{NextTxID: "tx"}
}

func (f *FakeClient) Trigger(_ context.Context, req TriggerRequest) (*TriggerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, req)
	if f.NextErr != nil {
		return nil, f.NextErr
	}
	f.seq++
	txID := f.NextTxID
	if txID == "" {
		txID = "tx"
	}
	return &TriggerResponse{TransactionID: txID}, nil
}

func (f *FakeClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

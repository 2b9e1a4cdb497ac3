package fake

import (
	"context"
	"sync"

	"github.com/SableFox/SafeBeacon/internal/models"
)

// Source — управляемый источник координат для тестов.
type Source struct {
	mu sync.Mutex

	Fix        *models.Fix
	CurrentErr error

	LastKnownFix *models.Fix

	CurrentCalls      int
	HighAccuracyCalls int
}

func New() *Source {
	return &Source{}
}

func (s *Source) SetFix(f *models.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fix = f
}

func (s *Source) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentErr = err
}

func (s *Source) LastKnown() (*models.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LastKnownFix == nil {
		return nil, false
	}
	f := *s.LastKnownFix
	return &f, true
}

func (s *Source) Current(_ context.Context, highAccuracy bool) (*models.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentCalls++
	if highAccuracy {
		s.HighAccuracyCalls++
	}
	if s.CurrentErr != nil {
		return nil, s.CurrentErr
	}
	if s.Fix == nil {
		return nil, context.DeadlineExceeded
	}
	f := *s.Fix
	return &f, nil
}

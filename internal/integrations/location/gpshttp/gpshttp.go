package gpshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SableFox/SafeBeacon/internal/integrations/location"
	"github.com/SableFox/SafeBeacon/internal/models"
	"github.com/pkg/errors"
)

// Source читает координаты у локального GPS-демона по HTTP.
// Последний удачный фикс кэшируется и отдаётся через LastKnown.
type Source struct {
	baseURL string
	httpc   *http.Client

	mu        sync.Mutex
	lastKnown *models.Fix
}

func New(baseURL string, timeout time.Duration) *Source {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Source{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (s *Source) LastKnown() (*models.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastKnown == nil {
		return nil, false
	}
	f := *s.lastKnown
	return &f, true
}

type fixResp struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	AccuracyM float64  `json:"accuracy_m"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	TakenAt   int64    `json:"taken_at"`
}

func (s *Source) Current(ctx context.Context, highAccuracy bool) (*models.Fix, error) {
	url := s.baseURL + "/fix"
	if highAccuracy {
		url += "?accuracy=high"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch fix")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, location.ErrPermissionDenied
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gps daemon http %d", resp.StatusCode)
	}

	var fr fixResp
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, errors.Wrap(err, "decode fix")
	}

	fix := &models.Fix{
		Latitude:  fr.Latitude,
		Longitude: fr.Longitude,
		AccuracyM: fr.AccuracyM,
		Speed:     fr.Speed,
		Heading:   fr.Heading,
		Altitude:  fr.Altitude,
		TakenAt:   time.Unix(fr.TakenAt, 0),
	}

	s.mu.Lock()
	s.lastKnown = fix
	s.mu.Unlock()

	out := *fix
	return &out, nil
}

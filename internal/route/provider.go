// Package route wraps the external routing provider. The provider is
// the only code that knows a specific service's error format; everything
// above sees the normalized taxonomy.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sebaswaton/reciapp-dispatch/internal/geo"
	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

// QuotaExceededError: the provider rejected the call for rate/quota
// reasons. Not retried here; the next sample retries naturally.
type QuotaExceededError struct{ Provider string }

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: quota exceeded", e.Provider)
}

// NoRouteFoundError: the provider could not route between the points.
type NoRouteFoundError struct{ Provider string }

func (e *NoRouteFoundError) Error() string {
	return fmt.Sprintf("%s: no route found", e.Provider)
}

// ProviderUnavailableError: transport failure or provider-side error.
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// Provider computes a route estimate between two coordinates.
type Provider interface {
	Route(ctx context.Context, origin, dest models.Coord) (models.RouteEstimate, error)
}

// OSRMProvider queries an OSRM HTTP server. Endpoint and key come from
// configuration, never from source.
type OSRMProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewOSRMProvider(endpoint, apiKey string, timeout time.Duration) *OSRMProvider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMProvider{endpoint: endpoint, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"` // meters
		Duration float64 `json:"duration"` // seconds
		Legs     []struct {
			Steps []struct {
				Name     string `json:"name"`
				Maneuver struct {
					Type     string `json:"type"`
					Modifier string `json:"modifier"`
				} `json:"maneuver"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

func (o *OSRMProvider) Route(ctx context.Context, origin, dest models.Coord) (models.RouteEstimate, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false&steps=true",
		o.endpoint, origin.Lng, origin.Lat, dest.Lng, dest.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RouteEstimate{}, &ProviderUnavailableError{Provider: "osrm", Err: err}
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return models.RouteEstimate{}, &ProviderUnavailableError{Provider: "osrm", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return models.RouteEstimate{}, &QuotaExceededError{Provider: "osrm"}
	}
	if resp.StatusCode >= 500 {
		return models.RouteEstimate{}, &ProviderUnavailableError{Provider: "osrm", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteEstimate{}, &ProviderUnavailableError{Provider: "osrm", Err: err}
	}
	switch out.Code {
	case "Ok":
	case "NoRoute", "NoSegment":
		return models.RouteEstimate{}, &NoRouteFoundError{Provider: "osrm"}
	default:
		return models.RouteEstimate{}, &ProviderUnavailableError{Provider: "osrm", Err: fmt.Errorf("code %q", out.Code)}
	}
	if len(out.Routes) == 0 {
		return models.RouteEstimate{}, &NoRouteFoundError{Provider: "osrm"}
	}

	r := out.Routes[0]
	est := models.RouteEstimate{
		DistanceKm: r.Distance / 1000,
		ETAMinutes: r.Duration / 60,
	}
	if len(r.Legs) > 0 && len(r.Legs[0].Steps) > 0 {
		st := r.Legs[0].Steps[0]
		est.NextInstruction = st.Maneuver.Type
		if st.Maneuver.Modifier != "" {
			est.NextInstruction += " " + st.Maneuver.Modifier
		}
		if st.Name != "" {
			est.NextInstruction += " - " + st.Name
		}
	}
	return est, nil
}

// HaversineProvider estimates straight-line distance at a fixed speed.
// Used when no routing endpoint is configured.
type HaversineProvider struct {
	SpeedMps float64
}

func (h *HaversineProvider) Route(_ context.Context, origin, dest models.Coord) (models.RouteEstimate, error) {
	speed := h.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city default
	}
	d := geo.Haversine(origin.Lat, origin.Lng, dest.Lat, dest.Lng)
	return models.RouteEstimate{
		DistanceKm: d / 1000,
		ETAMinutes: d / speed / 60,
	}, nil
}

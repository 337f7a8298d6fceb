package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
)

// OSRMClient asks an OSRM routing server for driving times.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	Profile  string
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 2 * time.Second},
		Profile:  "driving",
	}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to geo.Coord) string {
	// OSRM wants lon,lat pairs separated by ';'.
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&steps=false",
		o.Endpoint, o.Profile, from.Lon, from.Lat, to.Lon, to.Lat)
}

// EstimateSeconds returns the duration of the fastest OSRM route from -> to.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to geo.Coord) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), nil)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var route osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		return 0, fmt.Errorf("osrm decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || route.Code != "Ok" {
		return 0, fmt.Errorf("osrm %d %s: %s", resp.StatusCode, route.Code, route.Message)
	}
	if len(route.Routes) == 0 {
		return 0, fmt.Errorf("osrm returned no routes")
	}
	return route.Routes[0].Duration, nil
}

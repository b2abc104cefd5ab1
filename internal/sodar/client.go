package sodar

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const maxAttempts = 3

// Client talks to the landing zone service. All requests carry the
// token from the AuthStrategy; transient failures and rejected
// credentials are retried up to three attempts with re-authentication
// in between.
type Client struct {
	baseURL    string
	auth       AuthStrategy
	httpClient *http.Client
	retryDelay time.Duration
}

// NewClient creates a zone service client.
func NewClient(baseURL string, auth AuthStrategy, connectTimeout, requestTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		retryDelay: 500 * time.Millisecond,
	}
}

func (c *Client) do(ctx context.Context, method, apiPath string, out any) error {
	logger := zerolog.Ctx(ctx)
	endpoint := c.baseURL + apiPath

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return errors.Errorf("build request %s: %w", endpoint, err)
		}
		req.Header.Set("Authorization", "token "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = errors.Errorf("%s %s: %w", method, endpoint, err)
			logger.Warn().Err(err).Int("attempt", attempt).Msg("zone service request failed")
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = errors.Errorf("read response from %s: %w", endpoint, readErr)
			} else {
				switch {
				case resp.StatusCode >= 200 && resp.StatusCode < 300:
					if out == nil {
						return nil
					}
					if err := json.Unmarshal(body, out); err != nil {
						return errors.Errorf("decode response from %s: %w", endpoint, err)
					}
					return nil
				case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
					lastErr = &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
					logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("zone service rejected credentials, re-authenticating")
					c.auth.Invalidate()
				case resp.StatusCode >= 500:
					lastErr = &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
					logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("zone service error, retrying")
				default:
					return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
				}
			}
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return errors.Errorf("zone service unavailable after %d attempts: %w", maxAttempts, lastErr)
}

// ListZones returns the zones of a project, optionally filtered to the
// given states, sorted by modification date ascending.
func (c *Client) ListZones(ctx context.Context, projectUUID string, states ...ZoneStatus) ([]LandingZone, error) {
	var zones []LandingZone
	path := "/landingzones/api/list/" + url.PathEscape(projectUUID)
	if err := c.do(ctx, http.MethodGet, path, &zones); err != nil {
		return nil, err
	}
	if len(states) > 0 {
		wanted := make(map[ZoneStatus]bool, len(states))
		for _, s := range states {
			wanted[s] = true
		}
		filtered := zones[:0]
		for _, z := range zones {
			if wanted[z.Status] {
				filtered = append(filtered, z)
			}
		}
		zones = filtered
	}
	sort.SliceStable(zones, func(i, j int) bool {
		return zones[i].DateModified.Before(zones[j].DateModified)
	})
	return zones, nil
}

// RetrieveZone fetches one zone by UUID.
func (c *Client) RetrieveZone(ctx context.Context, zoneUUID string) (*LandingZone, error) {
	var zone LandingZone
	path := "/landingzones/api/retrieve/" + url.PathEscape(zoneUUID)
	if err := c.do(ctx, http.MethodGet, path, &zone); err != nil {
		return nil, err
	}
	return &zone, nil
}

// CreateZone submits a zone creation request. The returned zone usually
// starts in CREATING; callers poll RetrieveZone until it becomes usable.
func (c *Client) CreateZone(ctx context.Context, projectUUID string) (*LandingZone, error) {
	var zone LandingZone
	path := "/landingzones/api/create/" + url.PathEscape(projectUUID)
	if err := c.do(ctx, http.MethodPost, path, &zone); err != nil {
		return nil, err
	}
	return &zone, nil
}

// SubmitValidate asynchronously requests validation of a zone and
// returns the acknowledged zone UUID.
func (c *Client) SubmitValidate(ctx context.Context, zoneUUID string) (string, error) {
	return c.submit(ctx, "validate", zoneUUID)
}

// SubmitMove asynchronously requests moving a validated zone into
// permanent storage and returns the acknowledged zone UUID.
func (c *Client) SubmitMove(ctx context.Context, zoneUUID string) (string, error) {
	return c.submit(ctx, "move", zoneUUID)
}

func (c *Client) submit(ctx context.Context, action, zoneUUID string) (string, error) {
	var ack struct {
		UUID string `json:"sodar_uuid"`
	}
	path := "/landingzones/api/submit/" + action + "/" + url.PathEscape(zoneUUID)
	if err := c.do(ctx, http.MethodPost, path, &ack); err != nil {
		return "", err
	}
	return ack.UUID, nil
}

// Package zone resolves destination descriptors to exactly one landing
// zone and drives the zone lifecycle.
package zone

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/config"
	"github.com/mkuhring/lzsync/internal/console"
	"github.com/mkuhring/lzsync/internal/sodar"
)

// ErrParameter is returned when a destination descriptor cannot be
// resolved to a unique landing zone.
var ErrParameter = errors.Base("cannot resolve landing zone")

// API is the slice of the zone service the manager needs.
type API interface {
	ListZones(ctx context.Context, projectUUID string, states ...sodar.ZoneStatus) ([]sodar.LandingZone, error)
	RetrieveZone(ctx context.Context, zoneUUID string) (*sodar.LandingZone, error)
	CreateZone(ctx context.Context, projectUUID string) (*sodar.LandingZone, error)
	SubmitValidate(ctx context.Context, zoneUUID string) (string, error)
	SubmitMove(ctx context.Context, zoneUUID string) (string, error)
}

// Manager resolves destinations and manages zone lifecycle transitions.
// Resolution is deterministic for a fixed zone list and autoConfirm
// setting.
type Manager struct {
	api          API
	prompter     console.Prompter
	autoConfirm  bool
	pollInterval time.Duration
	pollBudget   int
}

// NewManager creates a Manager. With autoConfirm the manager never
// blocks on the prompter and always picks the most recently modified
// zone when several are usable.
func NewManager(a API, prompter console.Prompter, autoConfirm bool) *Manager {
	return &Manager{
		api:          a,
		prompter:     prompter,
		autoConfirm:  autoConfirm,
		pollInterval: 2 * time.Second,
		pollBudget:   150,
	}
}

// Resolve turns a destination descriptor into a usable landing zone.
// Paths must belong to exactly one ACTIVE or FAILED zone. A UUID is
// first tried as a zone UUID and falls back to project resolution.
func (m *Manager) Resolve(ctx context.Context, dest config.Destination) (*sodar.LandingZone, error) {
	switch dest.Kind {
	case config.DestPath:
		return m.resolvePath(ctx, dest.Raw)
	case config.DestUUID:
		zone, err := m.api.RetrieveZone(ctx, dest.Raw)
		if err == nil {
			if !zone.Status.Usable() {
				return nil, errors.Errorf("%w: zone %s is %s", ErrParameter, zone.UUID, zone.Status)
			}
			return zone, nil
		}
		zerolog.Ctx(ctx).Debug().
			Str("uuid", dest.Raw).
			Err(err).
			Msg("not a zone UUID, trying as project")
		return m.resolveProject(ctx, dest.Raw)
	default:
		return nil, errors.Errorf("%w: unknown destination kind", ErrParameter)
	}
}

// resolvePath finds the single usable zone owning the given path. The
// project is unknown, so the path itself must identify the zone: the
// zone root must be a path prefix of the destination.
func (m *Manager) resolvePath(ctx context.Context, remotePath string) (*sodar.LandingZone, error) {
	projectUUID := projectFromPath(remotePath)
	if projectUUID == "" {
		return nil, errors.Errorf("%w: path %q does not contain a project segment", ErrParameter, remotePath)
	}
	zones, err := m.api.ListZones(ctx, projectUUID, sodar.StatusActive, sodar.StatusFailed)
	if err != nil {
		return nil, errors.Errorf("list zones for %s: %w", projectUUID, err)
	}
	var owners []sodar.LandingZone
	for _, z := range zones {
		if z.RootPath == remotePath || strings.HasPrefix(remotePath, z.RootPath+"/") {
			owners = append(owners, z)
		}
	}
	switch len(owners) {
	case 0:
		return nil, errors.Errorf("%w: no usable zone owns path %q", ErrParameter, remotePath)
	case 1:
		zone := owners[0]
		return &zone, nil
	default:
		return nil, errors.Errorf("%w: %d zones own path %q", ErrParameter, len(owners), remotePath)
	}
}

// resolveProject selects or creates a zone within a project.
func (m *Manager) resolveProject(ctx context.Context, projectUUID string) (*sodar.LandingZone, error) {
	zones, err := m.api.ListZones(ctx, projectUUID, sodar.StatusActive, sodar.StatusFailed)
	if err != nil {
		return nil, errors.Errorf("list zones for %s: %w", projectUUID, err)
	}
	log := zerolog.Ctx(ctx)
	switch len(zones) {
	case 0:
		if !m.autoConfirm && !m.prompter.Confirm("No landing zone in project, create one?") {
			return nil, errors.Errorf("%w: user declined to create a zone", ErrParameter)
		}
		return m.Create(ctx, projectUUID)
	case 1:
		zone := zones[0]
		log.Info().Str("zone", zone.UUID).Str("title", zone.Title).Msg("using only landing zone")
		return &zone, nil
	default:
		// Zones arrive sorted by DateModified ascending, so the last
		// one is the most recently modified.
		if m.autoConfirm {
			zone := zones[len(zones)-1]
			log.Info().Str("zone", zone.UUID).Msg("multiple landing zones, using latest")
			return &zone, nil
		}
		options := make([]string, len(zones))
		for i, z := range zones {
			options[i] = fmt.Sprintf("%s (%s, %s, modified %s)", z.Title, z.UUID, z.Status, z.DateModified.Format(time.RFC3339))
		}
		idx, err := m.prompter.Choose("Select a landing zone:", options)
		if err != nil {
			return nil, errors.Errorf("%w: %s", ErrParameter, err)
		}
		zone := zones[idx]
		return &zone, nil
	}
}

// Create requests a new zone and waits until it becomes ACTIVE. It
// fails when the zone reaches a terminal state or the poll budget runs
// out.
func (m *Manager) Create(ctx context.Context, projectUUID string) (*sodar.LandingZone, error) {
	zone, err := m.api.CreateZone(ctx, projectUUID)
	if err != nil {
		return nil, errors.Errorf("create zone in %s: %w", projectUUID, err)
	}
	log := zerolog.Ctx(ctx)
	log.Info().Str("zone", zone.UUID).Msg("landing zone creation requested")
	for i := 0; i < m.pollBudget; i++ {
		if zone.Status == sodar.StatusActive {
			log.Info().Str("zone", zone.UUID).Str("path", zone.RootPath).Msg("landing zone active")
			return zone, nil
		}
		if zone.Status.Terminal() {
			return nil, errors.Errorf("zone %s entered %s during creation: %s", zone.UUID, zone.Status, zone.StatusInfo)
		}
		select {
		case <-ctx.Done():
			return nil, errors.Errorf("waiting for zone %s: %w", zone.UUID, ctx.Err())
		case <-time.After(m.pollInterval):
		}
		zone, err = m.api.RetrieveZone(ctx, zone.UUID)
		if err != nil {
			return nil, errors.Errorf("poll zone: %w", err)
		}
	}
	return nil, errors.Errorf("zone %s did not become active in time", zone.UUID)
}

// Validate submits an asynchronous validation request for the zone.
func (m *Manager) Validate(ctx context.Context, zone *sodar.LandingZone) (string, error) {
	if !zone.Status.Usable() {
		zerolog.Ctx(ctx).Warn().
			Str("zone", zone.UUID).
			Str("status", string(zone.Status)).
			Msg("validating a zone that is not active")
	}
	ack, err := m.api.SubmitValidate(ctx, zone.UUID)
	if err != nil {
		return "", errors.Errorf("submit validate for %s: %w", zone.UUID, err)
	}
	return ack, nil
}

// Move submits an asynchronous move request for the zone.
func (m *Manager) Move(ctx context.Context, zone *sodar.LandingZone) (string, error) {
	if !zone.Status.Usable() {
		zerolog.Ctx(ctx).Warn().
			Str("zone", zone.UUID).
			Str("status", string(zone.Status)).
			Msg("moving a zone that is not active")
	}
	ack, err := m.api.SubmitMove(ctx, zone.UUID)
	if err != nil {
		return "", errors.Errorf("submit move for %s: %w", zone.UUID, err)
	}
	return ack, nil
}

// List returns the zones of a project, optionally restricted to given
// states, in modification order.
func (m *Manager) List(ctx context.Context, projectUUID string, states ...sodar.ZoneStatus) ([]sodar.LandingZone, error) {
	return m.api.ListZones(ctx, projectUUID, states...)
}

// projectFromPath extracts the project UUID segment from a zone path
// shaped like /<grid>/projects/<uuid>/landing_zones/... .
func projectFromPath(remotePath string) string {
	parts := strings.Split(strings.Trim(remotePath, "/"), "/")
	for i, p := range parts {
		if p == "projects" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// Package postgres implements storage.Store over PostgreSQL. The schema is
// owned by the admin side; this package only reads and appends.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
)

const queryTimeout = 5 * time.Second

// Store implements storage.Store with PostgreSQL persistence
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return New(db), nil
}

// New wraps an existing connection pool
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// FetchEligibleCampaigns returns active, funded campaigns bidding at least
// floor, highest bid first, with their creatives
func (s *Store) FetchEligibleCampaigns(ctx context.Context, floor float64) ([]storage.Campaign, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, bid_amount, bid_type, budget_amount, spent_amount, targeting, status
		FROM campaigns
		WHERE status = 'active'
		  AND bid_amount >= $1
		  AND (budget_amount <= 0 OR spent_amount < budget_amount)
		ORDER BY bid_amount DESC, id`, floor)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []storage.Campaign
	index := make(map[string]int)
	for rows.Next() {
		var (
			c         storage.Campaign
			bidType   string
			status    string
			targeting []byte
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.BidAmount, &bidType, &c.Budget, &c.Spent, &targeting, &status); err != nil {
			return nil, fmt.Errorf("scanning campaign: %w", err)
		}
		c.BidType = storage.BidType(bidType)
		c.Status = storage.CampaignStatus(status)
		if len(targeting) > 0 {
			if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
				return nil, fmt.Errorf("campaign %s targeting: %w", c.ID, err)
			}
		}
		index[c.ID] = len(campaigns)
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(campaigns) == 0 {
		return campaigns, nil
	}

	ids := make([]string, len(campaigns))
	for i, c := range campaigns {
		ids[i] = c.ID
	}

	crows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, format, width, height, markup, click_url, image_url
		FROM creatives
		WHERE campaign_id = ANY($1) AND status = 'active'
		ORDER BY campaign_id, id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("querying creatives: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var (
			cr         storage.Creative
			campaignID string
			clickURL   sql.NullString
			imageURL   sql.NullString
		)
		if err := crows.Scan(&cr.ID, &campaignID, &cr.Format, &cr.Width, &cr.Height, &cr.Markup, &clickURL, &imageURL); err != nil {
			return nil, fmt.Errorf("scanning creative: %w", err)
		}
		cr.ClickURL = clickURL.String
		cr.ImageURL = imageURL.String
		if i, ok := index[campaignID]; ok {
			campaigns[i].Creatives = append(campaigns[i].Creatives, cr)
		}
	}
	return campaigns, crows.Err()
}

// endpointSettings is the persisted JSON shape of endpoint options
type endpointSettings struct {
	Formats   []openrtb.MediaType `json:"formats"`
	Sizes     []registry.Size     `json:"sizes"`
	Countries []string            `json:"countries"`
	Headers   map[string]string   `json:"headers"`
}

// FetchActiveEndpoints returns non-inactive endpoints of one direction
func (s *Store) FetchActiveEndpoints(ctx context.Context, direction registry.Direction) ([]registry.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, direction, url, method, protocol_version, timeout_ms, qps_limit,
		       auth_type, auth_credentials, floor_price, settings, status, endpoint_key
		FROM rtb_endpoints
		WHERE direction = $1 AND status <> 'inactive'
		ORDER BY id`, string(direction))
	if err != nil {
		return nil, fmt.Errorf("querying endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []registry.Endpoint
	for rows.Next() {
		var (
			ep        registry.Endpoint
			dir       string
			authType  string
			authCreds []byte
			settings  []byte
			status    string
			key       sql.NullString
		)
		if err := rows.Scan(&ep.ID, &ep.Name, &dir, &ep.URL, &ep.Method, &ep.ProtocolVersion, &ep.TimeoutMS, &ep.QPSLimit,
			&authType, &authCreds, &ep.FloorPrice, &settings, &status, &key); err != nil {
			return nil, fmt.Errorf("scanning endpoint: %w", err)
		}
		ep.Direction = registry.Direction(dir)
		ep.Status = registry.Status(status)
		ep.Key = key.String

		if len(authCreds) > 0 {
			if err := json.Unmarshal(authCreds, &ep.Auth); err != nil {
				return nil, fmt.Errorf("endpoint %s auth: %w", ep.ID, err)
			}
		}
		ep.Auth.Type = registry.AuthType(authType)

		if len(settings) > 0 {
			var st endpointSettings
			if err := json.Unmarshal(settings, &st); err != nil {
				return nil, fmt.Errorf("endpoint %s settings: %w", ep.ID, err)
			}
			ep.Formats = st.Formats
			ep.Sizes = st.Sizes
			ep.Countries = st.Countries
			ep.Headers = st.Headers
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// FetchBlacklist returns the active blacklist rules
func (s *Store) FetchBlacklist(ctx context.Context) ([]storage.BlacklistRule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, value, reason FROM blacklist WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("querying blacklist: %w", err)
	}
	defer rows.Close()

	var rules []storage.BlacklistRule
	for rows.Next() {
		var (
			rule   storage.BlacklistRule
			typ    string
			reason sql.NullString
		)
		if err := rows.Scan(&typ, &rule.Value, &reason); err != nil {
			return nil, fmt.Errorf("scanning blacklist rule: %w", err)
		}
		rule.Type = storage.BlacklistType(typ)
		rule.Reason = reason.String
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// FetchZone looks up a zone with its site and publisher
func (s *Store) FetchZone(ctx context.Context, id string) (*storage.Zone, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		z        storage.Zone
		fallback sql.NullString
		sourcing sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT z.id, z.site_id, s.user_id, s.domain, z.width, z.height, z.format,
		       z.floor_price, z.fallback_markup, z.sourcing
		FROM zones z
		JOIN sites s ON s.id = z.site_id
		WHERE z.id = $1 AND z.status = 'active'`, id).
		Scan(&z.ID, &z.SiteID, &z.PublisherID, &z.Domain, &z.Width, &z.Height, &z.Format,
			&z.FloorPrice, &fallback, &sourcing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("zone %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying zone: %w", err)
	}
	z.FallbackMarkup = fallback.String
	z.Sourcing = sourcing.String
	return &z, nil
}

// CountRecentEvents counts tracking events from ip within the trailing window
func (s *Store) CountRecentEvents(ctx context.Context, ip string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tracking_events WHERE ip = $1 AND created_at > $2`,
		ip, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

// InsertFraudEvent appends a fraud event
func (s *Store) InsertFraudEvent(ctx context.Context, ev storage.FraudEvent) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_events
			(ip, user_agent, referer, country, fraud_type, confidence, zone_id, site_id, blocked, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.IP, ev.UserAgent, ev.Referer, ev.Country, ev.FraudType, ev.Confidence,
		nullString(ev.ZoneID), nullString(ev.SiteID), ev.Blocked, jsonOrNull(ev.Context), timestamp(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting fraud event: %w", err)
	}
	return nil
}

const insertRTBLog = `
	INSERT INTO rtb_logs
		(request_id, endpoint_id, request_type, status, response_time_ms, bid_price, win_price, error_message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// InsertRTBLog appends an RTB log entry
func (s *Store) InsertRTBLog(ctx context.Context, entry storage.RTBLog) error {
	return s.InsertRTBLogs(ctx, []storage.RTBLog{entry})
}

// InsertRTBLogs appends RTB log entries in one transaction
func (s *Store) InsertRTBLogs(ctx context.Context, entries []storage.RTBLog) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, insertRTBLog, len(entries), func(stmt *sql.Stmt, i int) error {
		e := entries[i]
		_, err := stmt.ExecContext(ctx,
			e.RequestID, nullString(e.EndpointID), string(e.RequestType), string(e.Status),
			e.ResponseTime.Milliseconds(), e.BidPrice, e.WinPrice, nullString(e.Error), timestamp(e.CreatedAt))
		return err
	})
}

const insertTrackingEvent = `
	INSERT INTO tracking_events
		(id, event_type, zone_id, site_id, user_id, campaign_id, ip, revenue, cost, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// InsertTrackingEvent appends a tracking event
func (s *Store) InsertTrackingEvent(ctx context.Context, ev storage.TrackingEvent) error {
	return s.InsertTrackingEvents(ctx, []storage.TrackingEvent{ev})
}

// InsertTrackingEvents appends tracking events in one transaction
func (s *Store) InsertTrackingEvents(ctx context.Context, evs []storage.TrackingEvent) error {
	if len(evs) == 0 {
		return nil
	}
	return s.inTx(ctx, insertTrackingEvent, len(evs), func(stmt *sql.Stmt, i int) error {
		ev := evs[i]
		_, err := stmt.ExecContext(ctx,
			ev.ID, string(ev.Type), ev.ZoneID, nullString(ev.SiteID), nullString(ev.UserID),
			nullString(ev.CampaignID), nullString(ev.IP), ev.Revenue, ev.Cost, timestamp(ev.CreatedAt))
		return err
	})
}

// inTx prepares query once and executes it n times in a transaction
func (s *Store) inTx(ctx context.Context, query string, n int, exec func(*sql.Stmt, int) error) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func jsonOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

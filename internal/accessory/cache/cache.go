// Package cache persists published accessories so that accessories left
// over from a previous run can be pruned from hosts at start-up.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/accessory"
	"github.com/dokzlo13/milightd/internal/db"
)

// Host is the accessory host being decorated.
type Host interface {
	AddAccessory(ctx context.Context, a *accessory.Accessory) error
	RemoveAccessory(ctx context.Context, id string) error
	UpdateCharacteristic(id string, p accessory.Property, value any)
}

// Record is one cached accessory.
type Record struct {
	ID             string
	UUID           string
	DisplayName    string
	RemoteType     string
	DeviceID       string
	Group          string
	AutoDiscovered bool
	State          map[accessory.Property]any
	UpdatedAt      time.Time
}

// Cache records every accessory passing through to the wrapped host.
type Cache struct {
	db   *db.DB
	next Host
	now  func() time.Time

	mu sync.Mutex
}

// New wraps next. A nil next makes the cache the only host.
func New(database *db.DB, next Host) *Cache {
	return &Cache{db: database, next: next, now: time.Now}
}

// AddAccessory forwards to the wrapped host and records the accessory once
// the host accepted it. Values cached by a previous run are replayed to the
// wrapped host so it shows the last known state before the first poll.
func (c *Cache) AddAccessory(ctx context.Context, a *accessory.Accessory) error {
	if c.next != nil {
		if err := c.next.AddAccessory(ctx, a); err != nil {
			return err
		}
	}

	c.mu.Lock()
	now := c.now().UTC().Unix()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO accessories (id, uuid, display_name, remote_type, device_id, device_group, auto_discovered, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uuid = excluded.uuid,
			display_name = excluded.display_name,
			remote_type = excluded.remote_type,
			device_id = excluded.device_id,
			device_group = excluded.device_group,
			auto_discovered = excluded.auto_discovered,
			updated_at = excluded.updated_at
	`, a.ID, a.UUID.String(), a.DisplayName, string(a.Identity.Type), a.Identity.DeviceID, a.Identity.Group, a.AutoDiscovered, now, now)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("cache accessory %s: %w", a.ID, err)
	}
	state, err := c.state(ctx, a.ID)
	c.mu.Unlock()

	log.Debug().Str("accessory", a.ID).Int("cached_values", len(state)).Msg("Cached accessory")

	if err != nil {
		log.Warn().Err(err).Str("accessory", a.ID).Msg("Failed to read cached state")
		return nil
	}
	c.replay(a, state)
	return nil
}

// replay pushes cached values to the wrapped host in publication order,
// the observed mode last.
func (c *Cache) replay(a *accessory.Accessory, state map[accessory.Property]any) {
	if c.next == nil || len(state) == 0 {
		return
	}
	for _, p := range accessory.Properties {
		if v, ok := state[p]; ok && a.Supports(p) {
			c.next.UpdateCharacteristic(a.ID, p, v)
		}
	}
	if v, ok := state[accessory.PropertyMode]; ok {
		c.next.UpdateCharacteristic(a.ID, accessory.PropertyMode, v)
	}
}

// RemoveAccessory forwards to the wrapped host and forgets the accessory.
// The record is kept when the host fails, so a later prune retries it.
func (c *Cache) RemoveAccessory(ctx context.Context, id string) error {
	if c.next != nil {
		if err := c.next.RemoveAccessory(ctx, id); err != nil {
			return err
		}
	}
	return c.delete(ctx, id)
}

func (c *Cache) delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM accessory_state WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete cached state %s: %w", id, err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM accessories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete cached accessory %s: %w", id, err)
	}
	return nil
}

// UpdateCharacteristic forwards to the wrapped host and stores the value.
func (c *Cache) UpdateCharacteristic(id string, p accessory.Property, value any) {
	if c.next != nil {
		c.next.UpdateCharacteristic(id, p, value)
	}

	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("accessory", id).Str("property", string(p)).Msg("Failed to encode value")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(`
		INSERT INTO accessory_state (id, property, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id, property) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, id, string(p), string(data), c.now().UTC().Unix())
	if err != nil {
		log.Debug().Err(err).Str("accessory", id).Str("property", string(p)).Msg("Failed to cache value")
	}
}

// Records returns every cached accessory ordered by identifier.
func (c *Cache) Records(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, uuid, display_name, remote_type, device_id, device_group, auto_discovered, updated_at
		FROM accessories ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var updated int64
		if err := rows.Scan(&r.ID, &r.UUID, &r.DisplayName, &r.RemoteType, &r.DeviceID, &r.Group, &r.AutoDiscovered, &updated); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.Unix(updated, 0).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		state, err := c.state(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].State = state
	}
	return records, nil
}

func (c *Cache) state(ctx context.Context, id string) (map[accessory.Property]any, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT property, value FROM accessory_state WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := make(map[accessory.Property]any)
	for rows.Next() {
		var prop, raw string
		if err := rows.Scan(&prop, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.Warn().Err(err).Str("accessory", id).Str("property", prop).Msg("Skipping undecodable cached value")
			continue
		}
		state[accessory.Property(prop)] = v
	}
	return state, rows.Err()
}

// Prune removes cached accessories whose identifiers are not in keep,
// from both the cache and the wrapped host. It returns the pruned records.
func (c *Cache) Prune(ctx context.Context, keep []string) ([]Record, error) {
	records, err := c.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cached accessories: %w", err)
	}

	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}

	var pruned []Record
	for _, r := range records {
		if wanted[r.ID] {
			continue
		}
		if err := c.RemoveAccessory(ctx, r.ID); err != nil {
			log.Warn().Err(err).Str("accessory", r.ID).Msg("Failed to prune accessory")
			continue
		}
		pruned = append(pruned, r)
	}

	if len(pruned) > 0 {
		names := make([]string, 0, len(pruned))
		for _, r := range pruned {
			names = append(names, r.DisplayName)
		}
		log.Info().Strs("accessories", names).Msg("Pruned cached accessories")
	}
	return pruned, nil
}

// Count returns the number of cached accessories.
func (c *Cache) Count(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accessories`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

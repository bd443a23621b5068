package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	cache "github.com/patrickmn/go-cache"

	"zapcrm/internal/ingest"
	"zapcrm/internal/models"
)

// BindingRepo resolves provider-side identifiers to channel bindings. Lookups
// run on every webhook delivery, so results are cached for a few minutes.
type BindingRepo struct {
	db    *sqlx.DB
	cache *cache.Cache
}

func NewBindingRepo(db *sqlx.DB) *BindingRepo {
	return &BindingRepo{
		db:    db,
		cache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

func bindingCacheKey(channel ingest.Channel, key string) string {
	return string(channel) + "|" + key
}

func (r *BindingRepo) FindByProviderKey(ctx context.Context, channel ingest.Channel, key string) (models.ChannelBinding, error) {
	ck := bindingCacheKey(channel, key)
	if cached, found := r.cache.Get(ck); found {
		return cached.(models.ChannelBinding), nil
	}

	// Messenger and Instagram bindings share the Meta page registration.
	lookup := channel
	if channel == ingest.ChannelInstagram {
		lookup = ingest.ChannelMessenger
	}

	var b models.ChannelBinding
	q := r.db.Rebind(`SELECT id, provider_key, channel, tenant_id, access_token, instance_name,
		connected, qr_asset_ref, updated_at
		FROM channel_bindings WHERE channel = ? AND provider_key = ?`)
	err := r.db.GetContext(ctx, &b, q, string(lookup), key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChannelBinding{}, ingest.ErrNotFound
	}
	if err != nil {
		return models.ChannelBinding{}, fmt.Errorf("select channel binding: %w", err)
	}

	r.cache.Set(ck, b, cache.DefaultExpiration)
	return b, nil
}

func (r *BindingRepo) SetConnected(ctx context.Context, bindingID int64, connected bool) error {
	q := r.db.Rebind(`UPDATE channel_bindings SET connected = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, connected, time.Now().UTC(), bindingID); err != nil {
		return fmt.Errorf("set connected for binding %d: %w", bindingID, err)
	}
	r.cache.Flush()
	return nil
}

func (r *BindingRepo) SetQRAsset(ctx context.Context, bindingID int64, ref string) error {
	q := r.db.Rebind(`UPDATE channel_bindings SET qr_asset_ref = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, ref, time.Now().UTC(), bindingID); err != nil {
		return fmt.Errorf("set qr asset for binding %d: %w", bindingID, err)
	}
	r.cache.Flush()
	return nil
}

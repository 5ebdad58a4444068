package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nas-chat/internal/database"
	"nas-chat/internal/metrics"
	"nas-chat/internal/models"

	"go.uber.org/zap"
)

// Request carries the network hints of a connecting client. NasID and BSSID
// come from the client and are only used as lookup keys; SourceIP is the
// address observed by the server.
type Request struct {
	NasID    string
	BSSID    string
	SourceIP string
}

// Result identifies the resolved tenant and which hint matched.
type Result struct {
	TenantID   int64
	TenantSlug string
	Method     string
}

const (
	MethodNasID    = "nas_id"
	MethodBSSID    = "bssid"
	MethodVpnIP    = "vpn_ip"
	MethodPublicIP = "public_ip"
	MethodNone     = "none"
)

type Resolver struct {
	directory database.DirectoryRepository
	cache     Cache
	ttl       time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func New(directory database.DirectoryRepository, cache Cache, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		directory: directory,
		cache:     cache,
		ttl:       ttl,
		logger:    logger,
		metrics:   m,
	}
}

// Resolve maps the request to a tenant: NAS id first, then BSSID as a second
// NAS id hint, then the source IP against vpn_ip and public_ip. ok is false
// when nothing matches; err is only set when the directory is unreachable.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, bool, error) {
	hints := []struct {
		value  string
		method string
	}{
		{req.NasID, MethodNasID},
		{req.BSSID, MethodBSSID},
	}
	for _, hint := range hints {
		nasID := models.NormalizeNasID(hint.value)
		if nasID == "" {
			continue
		}
		res, ok, err := r.lookup(ctx, "nas:"+nasID, hint.method, func() (*models.NasDevice, string, error) {
			device, err := r.directory.FindDeviceByNasID(ctx, nasID)
			return device, hint.method, err
		})
		if err != nil || ok {
			return res, ok, err
		}
	}

	if ip, valid := models.NormalizeIP(req.SourceIP); valid {
		res, ok, err := r.lookup(ctx, "ip:"+ip, "", func() (*models.NasDevice, string, error) {
			device, err := r.directory.FindDeviceByIP(ctx, ip)
			if err != nil {
				return nil, "", err
			}
			if device.VpnIP == ip {
				return device, MethodVpnIP, nil
			}
			return device, MethodPublicIP, nil
		})
		if err != nil || ok {
			return res, ok, err
		}
	}

	r.metrics.Resolutions.WithLabelValues(MethodNone).Inc()
	r.logger.Debug("tenant resolution failed",
		zap.String("nas_id", req.NasID),
		zap.String("bssid", req.BSSID),
		zap.String("source_ip", req.SourceIP))
	return nil, false, nil
}

// Invalidate drops a cached resolution, e.g. after a device is reassigned.
func (r *Resolver) Invalidate(ctx context.Context, device *models.NasDevice) {
	var keys []string
	if device.NasID != "" {
		keys = append(keys, "nas:"+models.NormalizeNasID(device.NasID))
	}
	for _, ip := range []string{device.PublicIP, device.VpnIP} {
		if norm, ok := models.NormalizeIP(ip); ok {
			keys = append(keys, "ip:"+norm)
		}
	}
	for _, key := range keys {
		if err := r.cache.Delete(ctx, key); err != nil {
			r.logger.Warn("resolver cache delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// lookup serves key from the cache or the directory. NAS ids and BSSIDs
// share cache keys, so a non-empty method overrides the cached one.
func (r *Resolver) lookup(ctx context.Context, key, method string, find func() (*models.NasDevice, string, error)) (*Result, bool, error) {
	if res, ok := r.fromCache(ctx, key); ok {
		if method != "" {
			res.Method = method
		}
		r.metrics.Resolutions.WithLabelValues(res.Method).Inc()
		return res, true, nil
	}

	device, matched, err := find()
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve %s: %w", key, err)
	}

	res := &Result{TenantID: device.TenantID, TenantSlug: device.TenantSlug, Method: matched}
	r.toCache(ctx, key, res)
	r.metrics.Resolutions.WithLabelValues(matched).Inc()
	return res, true, nil
}

func (r *Resolver) fromCache(ctx context.Context, key string) (*Result, bool) {
	raw, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			r.logger.Warn("resolver cache read failed", zap.String("key", key), zap.Error(err))
		}
		r.metrics.ResolverCache.WithLabelValues("miss").Inc()
		return nil, false
	}

	res, err := decodeResult(raw)
	if err != nil {
		r.logger.Warn("dropping malformed resolver cache entry", zap.String("key", key), zap.Error(err))
		_ = r.cache.Delete(ctx, key)
		r.metrics.ResolverCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	r.metrics.ResolverCache.WithLabelValues("hit").Inc()
	return res, true
}

func (r *Resolver) toCache(ctx context.Context, key string, res *Result) {
	if r.ttl <= 0 {
		return
	}
	if err := r.cache.Set(ctx, key, encodeResult(res), r.ttl); err != nil {
		r.logger.Warn("resolver cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func encodeResult(res *Result) string {
	return strconv.FormatInt(res.TenantID, 10) + "|" + res.TenantSlug + "|" + res.Method
}

func decodeResult(raw string) (*Result, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 || parts[1] == "" {
		return nil, fmt.Errorf("unexpected value %q", raw)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}
	return &Result{TenantID: id, TenantSlug: parts[1], Method: parts[2]}, nil
}

package models

import (
	"net/netip"
	"strings"
	"time"
)

type Tenant struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// NasDevice maps a physical access point to a tenant. At least one of
// NasID, PublicIP or VpnIP is set, and each set value is globally unique.
type NasDevice struct {
	ID         int64  `json:"id"`
	TenantID   int64  `json:"tenantId"`
	TenantSlug string `json:"tenantSlug,omitempty"`
	NasID      string `json:"nasId,omitempty"`
	PublicIP   string `json:"publicIp,omitempty"`
	VpnIP      string `json:"vpnIp,omitempty"`
}

func (d *NasDevice) HasIdentifier() bool {
	return d.NasID != "" || d.PublicIP != "" || d.VpnIP != ""
}

// NormalizeNasID canonicalises router identifiers so that "AE-B6-AC-F9-6E-1E"
// and "ae:b6:ac:f9:6e:1e" refer to the same device.
func NormalizeNasID(nasID string) string {
	nasID = strings.ToLower(strings.TrimSpace(nasID))
	return strings.ReplaceAll(nasID, "-", ":")
}

// NormalizeIP returns the canonical text form of ip, unmapping IPv4-in-IPv6
// addresses. ok is false for anything that is not an IP address.
func NormalizeIP(ip string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

type TenantResponse struct {
	Tenant
	Rooms []*Room `json:"rooms"`
}

type ValidateNasResponse struct {
	Valid      bool   `json:"valid"`
	TenantSlug string `json:"tenantSlug,omitempty"`
}

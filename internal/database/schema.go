package database

// schema is applied statement by statement by Migrate; every statement is
// idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id         BIGSERIAL PRIMARY KEY,
		slug       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS nas_devices (
		id        BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		nas_id    TEXT UNIQUE,
		public_ip TEXT UNIQUE,
		vpn_ip    TEXT UNIQUE,
		CHECK (nas_id IS NOT NULL OR public_ip IS NOT NULL OR vpn_ip IS NOT NULL)
	)`,
	`CREATE TABLE IF NOT EXISTS device_ips (
		ip        TEXT PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES nas_devices(id) ON DELETE CASCADE
	)`,
	`INSERT INTO device_ips (ip, device_id)
		SELECT public_ip, id FROM nas_devices WHERE public_ip IS NOT NULL
		UNION ALL
		SELECT vpn_ip, id FROM nas_devices WHERE vpn_ip IS NOT NULL
		ON CONFLICT (ip) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id         BIGSERIAL PRIMARY KEY,
		tenant_id  BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT 'public' CHECK (type IN ('public', 'staff')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, name),
		UNIQUE (id, tenant_id)
	)`,
	// The composite key makes a message whose room belongs to another tenant
	// unrepresentable.
	`CREATE TABLE IF NOT EXISTS messages (
		id           BIGSERIAL PRIMARY KEY,
		tenant_id    BIGINT NOT NULL,
		room_id      BIGINT NOT NULL,
		sender_id    TEXT,
		sender_alias TEXT NOT NULL,
		text         TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		deleted_at   TIMESTAMPTZ,
		FOREIGN KEY (room_id, tenant_id) REFERENCES rooms(id, tenant_id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS messages_history_idx
		ON messages (tenant_id, room_id, created_at DESC, id DESC)
		WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS tenant_moderators (
		user_id   TEXT NOT NULL,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, tenant_id)
	)`,
}

// Package tenants manages the root isolation unit and the legal entities
// (companies) inside it. Every other record in the portal carries a tenant
// id; cross-tenant reads are forbidden everywhere.
package tenants

import "time"

// Tenant is the root isolation unit.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Company is a legal entity within a tenant. (tenant, name) is unique.
type Company struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	CountryCode string    `json:"country_code"`
	CreatedAt   time.Time `json:"created_at"`
}

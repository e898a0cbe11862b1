// Package identity resolves the acting user behind an HTTP request.
//
// The audit service never issues credentials. It accepts either:
//   - a Bearer JWT (HS256) carrying sub, tenant_id and role claims, or
//   - X-Tenant-ID / X-User-ID / X-User-Role headers set by a trusted gateway,
//     when header trust is explicitly enabled.
//
// RequireActor is the Gin middleware that enforces one of the two and injects
// the resolved Actor into the request context.
package identity

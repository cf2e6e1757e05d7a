// Package provisioning gates device registration on externally-issued
// identity proof. The gate itself is a single policy check; certificate
// issuance and revocation belong to the CA subsystem, which the gate
// only queries.
package provisioning

import (
	"context"
	"log/slog"
)

// CertificateAuthority answers whether a device identity currently has
// an active certificate. Implemented by [CertStore] or by an external
// CA client.
type CertificateAuthority interface {
	HasActiveCertificate(ctx context.Context, deviceID string) (bool, error)
}

// Gate decides whether a device may register. Permissive by default:
// enforcement only happens when required is true and a certificate
// authority is configured.
type Gate struct {
	required bool
	ca       CertificateAuthority
	logger   *slog.Logger
}

// NewGate creates a registration gate. When required is false or ca is
// nil, every registration is allowed.
func NewGate(required bool, ca CertificateAuthority, logger *slog.Logger) *Gate {
	return &Gate{required: required, ca: ca, logger: logger}
}

// AllowRegistration reports whether deviceID may register. Consulted
// once per registration attempt, never on ordinary messages. A CA query
// error fails closed when enforcement is on — an unverifiable identity
// is treated as unverified.
func (g *Gate) AllowRegistration(ctx context.Context, deviceID string) bool {
	if !g.required || g.ca == nil {
		return true
	}

	ok, err := g.ca.HasActiveCertificate(ctx, deviceID)
	if err != nil {
		g.logger.Warn("certificate lookup failed, denying registration",
			"device_id", deviceID, "error", err)
		return false
	}
	if !ok {
		g.logger.Info("registration denied, no active certificate",
			"device_id", deviceID)
	}
	return ok
}

package shared

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer is the capability check supplied by the access-control
// collaborator. The core enforces self-approval and cross-tenant guards
// itself; role and tenant resolution live behind this port.
type Authorizer interface {
	// CanActOnWarehouse reports whether the actor may post movements
	// against the warehouse.
	CanActOnWarehouse(ctx context.Context, actor Actor, warehouseID int64) (bool, error)
	// CanApprove reports whether the actor holds approval capability for
	// movements of the given value class.
	CanApprove(ctx context.Context, actor Actor, warehouseID int64) (bool, error)
	// CanTransferCrossCompany reports whether the actor holds the elevated
	// grant required for transfers that cross company boundaries.
	CanTransferCrossCompany(ctx context.Context, actor Actor) (bool, error)
}

// PgAuthorizer resolves capabilities from warehouse grant rows maintained
// by the external access-control system.
type PgAuthorizer struct {
	pool *pgxpool.Pool
}

// NewPgAuthorizer constructs PgAuthorizer.
func NewPgAuthorizer(pool *pgxpool.Pool) *PgAuthorizer {
	return &PgAuthorizer{pool: pool}
}

func (a *PgAuthorizer) capability(ctx context.Context, actor Actor, warehouseID int64, capability string) (bool, error) {
	if a == nil || a.pool == nil {
		return false, errors.New("authorizer not initialised")
	}
	var ok bool
	err := a.pool.QueryRow(ctx, `SELECT true FROM warehouse_grants
WHERE actor_id=$1 AND company_id=$2 AND (warehouse_id=$3 OR warehouse_id IS NULL) AND capability=$4 LIMIT 1`,
		actor.ID, actor.CompanyID, warehouseID, capability).Scan(&ok)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// CanActOnWarehouse implements Authorizer.
func (a *PgAuthorizer) CanActOnWarehouse(ctx context.Context, actor Actor, warehouseID int64) (bool, error) {
	return a.capability(ctx, actor, warehouseID, "inventory.post")
}

// CanApprove implements Authorizer.
func (a *PgAuthorizer) CanApprove(ctx context.Context, actor Actor, warehouseID int64) (bool, error) {
	return a.capability(ctx, actor, warehouseID, "inventory.approve")
}

// CanTransferCrossCompany implements Authorizer.
func (a *PgAuthorizer) CanTransferCrossCompany(ctx context.Context, actor Actor) (bool, error) {
	return a.capability(ctx, actor, 0, "inventory.transfer.cross-company")
}

package devkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

func ValidateGatewayConformance(
	ctx context.Context,
	gateway core.UpstreamGateway,
	tenantID string,
) error {
	if gateway == nil {
		return fmt.Errorf("devkit: gateway is required")
	}
	if strings.TrimSpace(gateway.Name()) == "" {
		return fmt.Errorf("devkit: gateway name is required")
	}
	challenge, err := gateway.BeginPair(ctx, core.PairRequest{
		TenantID: tenantID,
		Kind:     core.TicketKindQR,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(challenge.ChallengeID) == "" {
		return fmt.Errorf("devkit: pair challenge must carry a challenge id")
	}
	if len(challenge.Payload) == 0 {
		return fmt.Errorf("devkit: pair challenge must carry a payload")
	}
	return nil
}

func ValidateLeaseStoreConformance(
	ctx context.Context,
	store core.LeaseStore,
	resourceKey string,
) error {
	if store == nil {
		return fmt.Errorf("devkit: lease store is required")
	}

	if _, err := store.Acquire(ctx, resourceKey, "devkit-holder-a", time.Minute); err != nil {
		return fmt.Errorf("devkit: first acquire should succeed: %w", err)
	}
	if _, err := store.Acquire(ctx, resourceKey, "devkit-holder-b", time.Minute); !errors.Is(err, core.ErrLeaseContention) {
		return fmt.Errorf("devkit: competing acquire should report contention, got %v", err)
	}
	if _, err := store.Renew(ctx, resourceKey, "devkit-holder-a", time.Minute); err != nil {
		return fmt.Errorf("devkit: holder renew should succeed: %w", err)
	}
	if _, err := store.Renew(ctx, resourceKey, "devkit-holder-b", time.Minute); !errors.Is(err, core.ErrLeaseLost) {
		return fmt.Errorf("devkit: intruder renew should report a lost lease, got %v", err)
	}
	if err := store.Release(ctx, resourceKey, "devkit-holder-a"); err != nil {
		return fmt.Errorf("devkit: release should succeed: %w", err)
	}
	if _, err := store.Acquire(ctx, resourceKey, "devkit-holder-b", time.Minute); err != nil {
		return fmt.Errorf("devkit: acquire after release should succeed: %w", err)
	}
	return store.Release(ctx, resourceKey, "devkit-holder-b")
}

func ValidateReplayLedgerConformance(
	ctx context.Context,
	ledger core.ReplayLedger,
	key string,
) error {
	if ledger == nil {
		return fmt.Errorf("devkit: replay ledger is required")
	}
	fresh, err := ledger.Claim(ctx, key, time.Minute)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("devkit: first claim should be fresh")
	}
	if fresh, err := ledger.Claim(ctx, key, time.Minute); err != nil {
		return err
	} else if fresh {
		return fmt.Errorf("devkit: second claim should be a replay inside the window")
	}
	return nil
}
